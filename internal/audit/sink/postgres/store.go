// Package postgres persists audit events to PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/exchange"
	id "delegation-broker/pkg/domain"
)

const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id               UUID PRIMARY KEY,
	turn_id          UUID NOT NULL,
	event_type       TEXT NOT NULL,
	published        TIMESTAMPTZ NOT NULL,
	result           TEXT NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	actor_id         TEXT NOT NULL,
	actor_name       TEXT NOT NULL DEFAULT '',
	actor_client_id  TEXT NOT NULL DEFAULT '',
	subject_id       TEXT NOT NULL,
	subject_name     TEXT NOT NULL DEFAULT '',
	subject_email    TEXT NOT NULL DEFAULT '',
	target_id        TEXT NOT NULL,
	target_name      TEXT NOT NULL DEFAULT '',
	target_audience  TEXT NOT NULL DEFAULT '',
	requested_scopes TEXT[] NOT NULL,
	granted_scopes   TEXT[] NOT NULL,
	token_ref        TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	verified         BOOLEAN NOT NULL,
	request_id       TEXT NOT NULL DEFAULT '',
	policy_version   TEXT NOT NULL DEFAULT '',
	late_grant       BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS audit_events_subject_idx ON audit_events (subject_id, published DESC);
CREATE INDEX IF NOT EXISTS audit_events_turn_idx ON audit_events (turn_id);`

const selectColumns = `
	id, turn_id, event_type, published, result, status, reason,
	actor_id, actor_name, actor_client_id,
	subject_id, subject_name, subject_email,
	target_id, target_name, target_audience,
	requested_scopes, granted_scopes, token_ref, token_expires_at,
	verified, request_id, policy_version, late_grant`

// Store implements audit.Sink and audit.Reader.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects through lib/pq.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Append is idempotent on the event id.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	query := `
		INSERT INTO audit_events (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(e.ID),
		uuid.UUID(e.TurnID),
		e.EventType,
		e.Published,
		string(e.Result),
		string(e.Status),
		e.Reason,
		string(e.Actor.ID),
		e.Actor.DisplayName,
		e.Actor.ClientID,
		string(e.Subject.ID),
		e.Subject.DisplayName,
		e.Subject.Email,
		string(e.Target.ID),
		e.Target.Name,
		e.Target.Audience,
		pq.Array(nonNil(e.RequestedScopes)),
		pq.Array(nonNil(e.GrantedScopes)),
		e.TokenRef,
		e.TokenExpiresAt,
		e.Verified,
		e.RequestID,
		e.PolicyVersion,
		e.LateGrant,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events ORDER BY published DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) BySubject(ctx context.Context, subject id.SubjectID, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE subject_id = $1 ORDER BY published DESC LIMIT $2`,
		string(subject), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ByTurn(ctx context.Context, turnID id.TurnID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE turn_id = $1 ORDER BY published, target_id`,
		uuid.UUID(turnID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	events := []audit.Event{}
	for rows.Next() {
		var (
			e                  audit.Event
			eventID, turnID    uuid.UUID
			result, status     string
			actorID, subjectID string
			targetID           string
			requested, granted pq.StringArray
			tokenExpiresAt     sql.NullTime
		)
		err := rows.Scan(
			&eventID, &turnID, &e.EventType, &e.Published, &result, &status, &e.Reason,
			&actorID, &e.Actor.DisplayName, &e.Actor.ClientID,
			&subjectID, &e.Subject.DisplayName, &e.Subject.Email,
			&targetID, &e.Target.Name, &e.Target.Audience,
			&requested, &granted, &e.TokenRef, &tokenExpiresAt,
			&e.Verified, &e.RequestID, &e.PolicyVersion, &e.LateGrant,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID, e.TurnID = id.EventID(eventID), id.TurnID(turnID)
		e.Result, e.Status = audit.Result(result), exchange.Status(status)
		e.Actor.ID, e.Subject.ID, e.Target.ID = id.AgentID(actorID), id.SubjectID(subjectID), id.TargetID(targetID)
		e.RequestedScopes, e.GrantedScopes = []string(requested), []string(granted)
		if tokenExpiresAt.Valid {
			t := tokenExpiresAt.Time
			e.TokenExpiresAt = &t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
