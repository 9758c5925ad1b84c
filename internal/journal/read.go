package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoSessions is returned by LastSession on an empty journal.
var ErrNoSessions = errors.New("journal has no sessions")

// Session describes one recorded engine session.
type Session struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Entries   int       `json:"entries"`
}

const entryColumns = `seq, session_id, kind, type, correlation_id, causation_id, resource_key, payload, recorded_at`

// ReadCorrelation returns every entry bound to a correlation id, in seq
// order. Follow-up commands caused by it are included.
func (j *Journal) ReadCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	return j.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE correlation_id = ? OR (kind = 'command' AND causation_id = ?)
		ORDER BY seq ASC
	`, correlationID, correlationID)
}

// ReadSession returns every entry of a session in seq order.
func (j *Journal) ReadSession(ctx context.Context, sessionID string) ([]Entry, error) {
	return j.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
}

// RootCommands returns the commands of a session that were dispatched from
// outside any workflow, in seq order. These are what replay re-dispatches.
func (j *Journal) RootCommands(ctx context.Context, sessionID string) ([]Entry, error) {
	return j.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE session_id = ? AND kind = 'command' AND causation_id = ''
		ORDER BY seq ASC
	`, sessionID)
}

// Sessions lists recorded sessions, oldest first.
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.label, s.started_at, COUNT(e.seq)
		FROM sessions s
		LEFT JOIN entries e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			s       Session
			started string
		)
		if err := rows.Scan(&s.ID, &s.Label, &started, &s.Entries); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("session %s: parse started_at: %w", s.ID, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// LastSession returns the most recently started session.
func (j *Journal) LastSession(ctx context.Context) (Session, error) {
	sessions, err := j.Sessions(ctx)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNoSessions
	}
	return sessions[len(sessions)-1], nil
}

func (j *Journal) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e        Entry
		kind     string
		recorded string
	)
	err := rows.Scan(
		&e.Seq,
		&e.SessionID,
		&kind,
		&e.Type,
		&e.CorrelationID,
		&e.CausationID,
		&e.ResourceKey,
		&e.Payload,
		&recorded,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = Kind(kind)
	if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
		return Entry{}, fmt.Errorf("entry %d: parse recorded_at: %w", e.Seq, err)
	}
	return e, nil
}
