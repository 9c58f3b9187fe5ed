package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ssd-technologies/quorum/internal/events"
)

// EventRecord is a persisted event with its log position.
type EventRecord struct {
	ID int64 `json:"id"`
	events.Event
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Type    events.Type
	Request string
	Oracle  string
	AfterID int64
	Limit   int
}

// RecordEvent appends ev to the event log. It satisfies events.Sink.
func (d *DB) RecordEvent(ev events.Event) error {
	var attrs sql.NullString
	if len(ev.Attrs) > 0 {
		data, err := json.Marshal(ev.Attrs)
		if err != nil {
			return fmt.Errorf("encode event attrs: %w", err)
		}
		attrs = sql.NullString{String: string(data), Valid: true}
	}
	_, err := d.db.Exec(
		`INSERT INTO events (type, time, request, oracle, attrs) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.Time, ev.Request, ev.Oracle, attrs,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents returns matching events in log order.
func (d *DB) ListEvents(f EventFilter) ([]EventRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Request != "" {
		where = append(where, "request = ?")
		args = append(args, f.Request)
	}
	if f.Oracle != "" {
		where = append(where, "oracle = ?")
		args = append(args, f.Oracle)
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}

	query := `SELECT id, type, time, request, oracle, attrs FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec             EventRecord
			typ             string
			request, oracle sql.NullString
			attrs           sql.NullString
		)
		if err := rows.Scan(&rec.ID, &typ, &rec.Time, &request, &oracle, &attrs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Type = events.Type(typ)
		rec.Request = request.String
		rec.Oracle = oracle.String
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &rec.Attrs); err != nil {
				return nil, fmt.Errorf("decode event attrs: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
