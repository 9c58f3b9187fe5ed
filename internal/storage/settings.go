package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const ownerKey = "owner"

// SaveOwner records the registry owner so a transfer survives restarts.
func (d *DB) SaveOwner(owner common.Address) error {
	_, err := d.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerKey, owner.Hex(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save owner: %w", err)
	}
	return nil
}

// Owner returns the persisted registry owner. ok is false until SaveOwner
// has been called.
func (d *DB) Owner() (owner common.Address, ok bool, err error) {
	var v string
	err = d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, ownerKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("load owner: %w", err)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, false, fmt.Errorf("stored owner %q is not an address", v)
	}
	return common.HexToAddress(v), true, nil
}
