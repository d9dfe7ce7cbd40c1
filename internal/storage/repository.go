package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"yield-alerts/internal/monitor"
)

const (
	listConditionsSQL = `SELECT payload FROM alert_conditions ORDER BY created_at, id;`

	deleteConditionsSQL = `DELETE FROM alert_conditions;`

	insertConditionSQL = `INSERT INTO alert_conditions (id, payload, created_at, updated_at)
    VALUES ($1, $2, $3, $4);`

	listAlertsSQL = `SELECT payload FROM alert_log ORDER BY alert_ts, id;`

	deleteAlertsSQL = `DELETE FROM alert_log;`

	insertAlertSQL = `INSERT INTO alert_log (
        id,
        condition_id,
        protocol,
        asset,
        severity,
        alert_ts,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	selectSnapshotSQL = `SELECT payload FROM entity_snapshot WHERE id = 1;`

	upsertSnapshotSQL = `INSERT INTO entity_snapshot (id, taken_at, payload)
    VALUES (1, $1, $2)
    ON CONFLICT (id) DO UPDATE
    SET taken_at = EXCLUDED.taken_at,
        payload  = EXCLUDED.payload;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store keeps engine state in PostgreSQL as JSONB rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadConditions reads the stored condition list.
func (s *Store) LoadConditions(ctx context.Context) ([]monitor.Condition, error) {
	out := make([]monitor.Condition, 0)
	err := s.scanPayloads(ctx, listConditionsSQL, func(raw []byte) error {
		var c monitor.Condition
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Resource: ResourceConditions, Op: "load", Err: err}
	}
	return out, nil
}

// SaveConditions replaces the stored condition list in one transaction.
func (s *Store) SaveConditions(ctx context.Context, conditions []monitor.Condition) error {
	err := s.replace(ctx, deleteConditionsSQL, func(batch *pgx.Batch) error {
		for _, c := range conditions {
			payload, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal condition %s: %w", c.ID, err)
			}
			batch.Queue(insertConditionSQL, c.ID, payload, c.CreatedAt, c.UpdatedAt)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Resource: ResourceConditions, Op: "save", Err: err}
	}
	return nil
}

// LoadAlerts reads the stored alert log, oldest first.
func (s *Store) LoadAlerts(ctx context.Context) ([]monitor.Alert, error) {
	out := make([]monitor.Alert, 0)
	err := s.scanPayloads(ctx, listAlertsSQL, func(raw []byte) error {
		var a monitor.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Resource: ResourceAlerts, Op: "load", Err: err}
	}
	return out, nil
}

// SaveAlerts replaces the stored alert log with the newest MaxAlerts entries.
func (s *Store) SaveAlerts(ctx context.Context, alerts []monitor.Alert) error {
	alerts = trimAlerts(alerts)
	err := s.replace(ctx, deleteAlertsSQL, func(batch *pgx.Batch) error {
		for _, a := range alerts {
			payload, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("marshal alert %s: %w", a.ID, err)
			}
			batch.Queue(insertAlertSQL, a.ID, a.ConditionID, a.Protocol, a.Asset, string(a.Severity), a.Timestamp, payload)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Resource: ResourceAlerts, Op: "save", Err: err}
	}
	return nil
}

// LoadSnapshot reads the stored snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) (monitor.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return monitor.Snapshot{}, err
	}

	var raw []byte
	if err := pool.QueryRow(ctx, selectSnapshotSQL).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Snapshot{}, nil
		}
		return monitor.Snapshot{}, &PersistenceError{Resource: ResourceSnapshot, Op: "load", Err: err}
	}

	var snap monitor.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return monitor.Snapshot{}, &PersistenceError{Resource: ResourceSnapshot, Op: "load", Err: err}
	}
	return snap, nil
}

// SaveSnapshot replaces the stored snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Resource: ResourceSnapshot, Op: "save", Err: err}
	}
	if _, err := pool.Exec(ctx, upsertSnapshotSQL, snap.Timestamp, payload); err != nil {
		return &PersistenceError{Resource: ResourceSnapshot, Op: "save", Err: err}
	}
	return nil
}

// replace clears a table and refills it in a single transaction.
func (s *Store) replace(ctx context.Context, deleteSQL string, fill func(*pgx.Batch) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(deleteSQL)
	if err := fill(batch); err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) scanPayloads(ctx context.Context, query string, each func([]byte) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := each(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

var (
	_ StateStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
