package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
)

// Kind separates command rows from event rows.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Entry is one journal row.
type Entry struct {
	Seq           int64     `json:"seq"`
	SessionID     string    `json:"session_id"`
	Kind          Kind      `json:"kind"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	ResourceKey   string    `json:"resource_key,omitempty"`
	Payload       string    `json:"payload"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Fields decodes the entry payload.
func (e Entry) Fields() (map[string]any, error) {
	return unmarshalPayload(e.Payload)
}

// CommandEntry builds the entry for a dispatched command.
func CommandEntry(sessionID string, env engine.Envelope) (Entry, error) {
	payload, err := marshalPayload(env.Command)
	if err != nil {
		return Entry{}, fmt.Errorf("command %s: %w", env.Type, err)
	}
	return Entry{
		SessionID:     sessionID,
		Kind:          KindCommand,
		Type:          string(env.Type),
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		ResourceKey:   env.ResourceKey,
		Payload:       payload,
	}, nil
}

// EventEntry builds the entry for a published event.
func EventEntry(sessionID string, ev event.Event) (Entry, error) {
	payload, err := marshalPayload(ev)
	if err != nil {
		return Entry{}, fmt.Errorf("event %s: %w", ev.Type(), err)
	}
	return Entry{
		SessionID:     sessionID,
		Kind:          KindEvent,
		Type:          string(ev.Type()),
		CorrelationID: ev.Correlation(),
		Payload:       payload,
	}, nil
}

// BeginSession registers a new session and returns its id.
func (j *Journal) BeginSession(ctx context.Context, label string, startedAt time.Time) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, label, started_at)
		VALUES (?, ?, ?)
	`, id, label, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}
	return id, nil
}

// Append writes entries in one transaction and returns the seq assigned to
// the last one. Entry.Seq is ignored on input.
func (j *Journal) Append(ctx context.Context, entries ...Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries
		(session_id, kind, type, correlation_id, causation_id, resource_key, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("append: prepare: %w", err)
	}
	defer stmt.Close()

	var last int64
	for _, e := range entries {
		payload := e.Payload
		if payload == "" {
			payload = "{}"
		}
		res, err := stmt.ExecContext(ctx,
			e.SessionID,
			string(e.Kind),
			e.Type,
			e.CorrelationID,
			e.CausationID,
			e.ResourceKey,
			payload,
			e.RecordedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return 0, fmt.Errorf("append %s %s: %w", e.Kind, e.Type, err)
		}
		if last, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("append: last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append: commit: %w", err)
	}
	return last, nil
}
