// RTT Worker is a distributed job-execution worker for statistical randomness testing.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rttstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rttworker/pkg/rtt"
)

// UpsertWorker registers the worker row if absent (worker_active=1) or
// refreshes worker_last_seen/address/active if present, keyed by
// worker_id (spec.md §4.1). Returns the stable id_key.
func (s *Store) UpsertWorker(ctx context.Context, w rtt.Worker) (int64, error) {
	now := time.Now().UTC()

	var idKey int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id_key FROM workers WHERE worker_id=?`
		err := tx.QueryRowContext(ctx, sel, w.WorkerID).Scan(&idKey)
		if errors.Is(err, sql.ErrNoRows) {
			const ins = `INSERT INTO workers
(worker_id, worker_name, worker_type, worker_added, worker_last_seen, worker_active, worker_address, worker_location, worker_aux)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`
			res, err := tx.ExecContext(ctx, ins, w.WorkerID, w.Name, string(w.Type), now, now, w.Address, w.Location, w.Aux)
			if err != nil {
				return fmt.Errorf("insert worker: %w", err)
			}
			idKey, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("select worker: %w", err)
		}

		const upd = `UPDATE workers SET worker_last_seen=?, worker_address=?, worker_active=1 WHERE id_key=?`
		_, err = tx.ExecContext(ctx, upd, now, w.Address, idKey)
		if err != nil {
			return fmt.Errorf("touch worker: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return idKey, nil
}

// TouchWorkerLastSeen refreshes worker_last_seen and reasserts
// worker_active=1, called once per main-loop iteration.
func (s *Store) TouchWorkerLastSeen(ctx context.Context, idKey int64) error {
	const upd = `UPDATE workers SET worker_last_seen=?, worker_active=1 WHERE id_key=?`
	_, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), idKey)
	if err != nil {
		return fmt.Errorf("rttstore: touch worker last seen: %w", err)
	}
	return nil
}

// DeactivateWorker marks the worker row inactive on graceful shutdown.
func (s *Store) DeactivateWorker(ctx context.Context, idKey int64) error {
	const upd = `UPDATE workers SET worker_active=0, worker_last_seen=? WHERE id_key=?`
	_, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), idKey)
	if err != nil {
		return fmt.Errorf("rttstore: deactivate worker: %w", err)
	}
	return nil
}

// GetSetting reads a runtime knob from rtt_settings (spec.md §3's
// RuntimeSetting table: shortterm-disable, longterm-disable,
// terminate-older, cleanup-interval, num-workers). Returns ErrNotFound
// if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM rtt_settings WHERE key=?`
	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("rttstore: get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting upserts a runtime knob; used by tests and maintenance tooling.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `INSERT INTO rtt_settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	if err != nil {
		return fmt.Errorf("rttstore: set setting %s: %w", key, err)
	}
	return nil
}
