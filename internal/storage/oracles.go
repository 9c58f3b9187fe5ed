package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/registry"
)

// --- Oracle records ---

// SaveOracle inserts or replaces an oracle record. The first insert fixes its
// enumeration position.
func (d *DB) SaveOracle(rec registry.OracleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode oracle: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO oracles (id, worker, active, record, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     active = excluded.active,
		     record = excluded.record,
		     updated_at = excluded.updated_at`,
		rec.Identity.String(), rec.Identity.Worker.Hex(), boolToInt(rec.Active), string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save oracle: %w", err)
	}
	return nil
}

// ListOracleRecords returns all oracle records in registration order.
func (d *DB) ListOracleRecords() ([]registry.OracleRecord, error) {
	rows, err := d.db.Query(`SELECT record FROM oracles ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list oracles: %w", err)
	}
	defer rows.Close()

	var out []registry.OracleRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan oracle: %w", err)
		}
		var rec registry.OracleRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode oracle: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OraclesByWorker returns the records controlled by worker.
func (d *DB) OraclesByWorker(worker common.Address) ([]registry.OracleRecord, error) {
	rows, err := d.db.Query(`SELECT record FROM oracles WHERE worker = ? ORDER BY seq`, worker.Hex())
	if err != nil {
		return nil, fmt.Errorf("oracles by worker: %w", err)
	}
	defer rows.Close()

	var out []registry.OracleRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan oracle: %w", err)
		}
		var rec registry.OracleRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode oracle: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Consumers ---

// SaveConsumer inserts or replaces an approved consumer and its used set.
func (d *DB) SaveConsumer(c registry.ConsumerState) error {
	used, err := json.Marshal(c.Used)
	if err != nil {
		return fmt.Errorf("encode consumer: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO consumers (address, used, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET used = excluded.used, updated_at = excluded.updated_at`,
		c.Address.Hex(), string(used), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save consumer: %w", err)
	}
	return nil
}

// DeleteConsumer removes a consumer. Removing an unknown consumer is not an error.
func (d *DB) DeleteConsumer(addr common.Address) error {
	if _, err := d.db.Exec(`DELETE FROM consumers WHERE address = ?`, addr.Hex()); err != nil {
		return fmt.Errorf("delete consumer: %w", err)
	}
	return nil
}

// ListConsumers returns every approved consumer.
func (d *DB) ListConsumers() ([]registry.ConsumerState, error) {
	rows, err := d.db.Query(`SELECT address, used FROM consumers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	defer rows.Close()

	var out []registry.ConsumerState
	for rows.Next() {
		var addr, used string
		if err := rows.Scan(&addr, &used); err != nil {
			return nil, fmt.Errorf("scan consumer: %w", err)
		}
		c := registry.ConsumerState{Address: common.HexToAddress(addr)}
		if err := json.Unmarshal([]byte(used), &c.Used); err != nil {
			return nil, fmt.Errorf("decode consumer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
