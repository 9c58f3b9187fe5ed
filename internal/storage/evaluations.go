package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/quorum/internal/dispatch"
)

// SaveEvaluation inserts or replaces an evaluation.
func (d *DB) SaveEvaluation(ev dispatch.Evaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO evaluations (id, requester, complete, started_at, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     complete = excluded.complete,
		     data = excluded.data,
		     updated_at = excluded.updated_at`,
		ev.ID, ev.Requester.Hex(), boolToInt(ev.Complete), ev.StartTimestamp, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

// GetEvaluation retrieves an evaluation by request id.
func (d *DB) GetEvaluation(id string) (*dispatch.Evaluation, error) {
	var data string
	if err := d.db.QueryRow(`SELECT data FROM evaluations WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	ev := &dispatch.Evaluation{}
	if err := json.Unmarshal([]byte(data), ev); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	return ev, nil
}

// ListEvaluations returns evaluations oldest first. openOnly restricts the
// result to evaluations that have not completed.
func (d *DB) ListEvaluations(openOnly bool) ([]dispatch.Evaluation, error) {
	query := `SELECT data FROM evaluations ORDER BY started_at, id`
	if openOnly {
		query = `SELECT data FROM evaluations WHERE complete = 0 ORDER BY started_at, id`
	}
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Evaluation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		var ev dispatch.Evaluation
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
