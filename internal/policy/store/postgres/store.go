// Package postgres loads policy snapshots from PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/platform/sentinel"
	"delegation-broker/pkg/scope"
)

// Schema creates the policy tables. Scopes are text[] in declaration order.
const Schema = `
CREATE TABLE IF NOT EXISTS policy_versions (
	version      TEXT PRIMARY KEY,
	activated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS policy_targets (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	audience       TEXT NOT NULL,
	token_endpoint TEXT NOT NULL DEFAULT '',
	scopes         TEXT[] NOT NULL
);
CREATE TABLE IF NOT EXISTS policy_rules (
	target_id TEXT NOT NULL REFERENCES policy_targets(id) ON DELETE CASCADE,
	group_id  TEXT NOT NULL,
	scopes    TEXT[] NOT NULL,
	PRIMARY KEY (target_id, group_id)
);`

// Store reads and writes the policy catalogue.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("policy postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("policy postgres: ping: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// LoadSnapshot reads the catalogue in one read-only repeatable-read
// transaction so targets, rules and version are mutually consistent.
func (s *Store) LoadSnapshot(ctx context.Context) (*policy.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.Join(sentinel.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version string
	err = tx.QueryRow(ctx, `SELECT version FROM policy_versions ORDER BY activated_at DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no policy version published: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read policy version: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, name, audience, token_endpoint, scopes FROM policy_targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (policy.TargetDomain, error) {
		var (
			t      policy.TargetDomain
			tid    string
			scopes []string
		)
		if err := row.Scan(&tid, &t.Name, &t.Audience, &t.TokenEndpoint, &scopes); err != nil {
			return t, err
		}
		t.ID = id.TargetID(tid)
		t.Scopes = scope.New(scopes...)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan targets: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT target_id, group_id, scopes FROM policy_rules ORDER BY target_id, group_id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (policy.Rule, error) {
		var (
			r        policy.Rule
			tid, gid string
			scopes   []string
		)
		if err := row.Scan(&tid, &gid, &scopes); err != nil {
			return r, err
		}
		r.Target, r.Group, r.Scopes = id.TargetID(tid), id.GroupID(gid), scope.New(scopes...)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}

	return policy.NewSnapshot(version, targets, rules)
}

// Publish replaces the stored catalogue with snap and records its version.
func (s *Store) Publish(ctx context.Context, snap *policy.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM policy_targets`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, t := range snap.Targets() {
			batch.Queue(`INSERT INTO policy_targets (id, name, audience, token_endpoint, scopes) VALUES ($1, $2, $3, $4, $5)`,
				string(t.ID), t.Name, t.Audience, t.TokenEndpoint, t.Scopes.Values())
		}
		for _, r := range snap.Rules() {
			batch.Queue(`INSERT INTO policy_rules (target_id, group_id, scopes) VALUES ($1, $2, $3)`,
				string(r.Target), string(r.Group), r.Scopes.Values())
		}
		batch.Queue(`INSERT INTO policy_versions (version) VALUES ($1)
			ON CONFLICT (version) DO UPDATE SET activated_at = now()`, snap.Version())
		return tx.SendBatch(ctx, batch).Close()
	})
}
