package journal

import (
	"context"
	"fmt"

	"github.com/roach88/dashflow/internal/engine"
)

// CommandRecord is a journaled command plus how it ended.
type CommandRecord struct {
	Command Entry

	// Terminal is the command's terminal event, nil when the session was
	// closed before the command finished.
	Terminal *Entry
}

// State returns the recorded terminal state, or StatePending when the
// command never finished.
func (c CommandRecord) State() engine.State {
	if c.Terminal == nil {
		return engine.StatePending
	}
	return terminalState(c.Terminal.Type)
}

func terminalState(typ string) engine.State {
	switch typ {
	case string(engine.TypeCommandCompleted):
		return engine.StateCompleted
	case string(engine.TypeCommandFailed):
		return engine.StateFailed
	case string(engine.TypeCommandCancelled):
		return engine.StateCancelled
	case string(engine.TypeCommandRejected):
		return engine.StateRejected
	default:
		return engine.StatePending
	}
}

func isTerminalType(typ string) bool {
	return terminalState(typ) != engine.StatePending
}

// Commands returns every command of a session paired with its terminal
// event, in dispatch order.
func (j *Journal) Commands(ctx context.Context, sessionID string) ([]CommandRecord, error) {
	entries, err := j.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}

	var records []CommandRecord
	index := make(map[string]int)
	for i := range entries {
		e := entries[i]
		switch {
		case e.Kind == KindCommand:
			index[e.CorrelationID] = len(records)
			records = append(records, CommandRecord{Command: e})
		case e.Kind == KindEvent && isTerminalType(e.Type):
			if n, ok := index[e.CorrelationID]; ok && records[n].Terminal == nil {
				records[n].Terminal = &entries[i]
			}
		}
	}
	if records == nil {
		records = []CommandRecord{}
	}
	return records, nil
}

// Unfinished returns the commands of a session that have no terminal event.
// A non-empty result means the session was torn down with work in flight.
func (j *Journal) Unfinished(ctx context.Context, sessionID string) ([]CommandRecord, error) {
	records, err := j.Commands(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := []CommandRecord{}
	for _, r := range records {
		if r.Terminal == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Dispatcher is what Replay drives, typically a fresh session.
type Dispatcher interface {
	DispatchAndWait(ctx context.Context, cmd engine.Command, opts ...engine.DispatchOption) (engine.Outcome, error)
	WaitIdle(ctx context.Context) error
}

// Divergence is a replayed command whose outcome differs from the
// recorded one.
type Divergence struct {
	Seq           int64        `json:"seq"`
	CorrelationID string       `json:"correlation_id"`
	Command       string       `json:"command"`
	Recorded      engine.State `json:"recorded"`
	Replayed      engine.State `json:"replayed"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("seq %d %s (%s): recorded %s, replayed %s", d.Seq, d.Command, d.CorrelationID, d.Recorded, d.Replayed)
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	SessionID   string
	Replayed    []engine.Outcome
	Divergences []Divergence

	// Skipped counts commands that never finished in the recorded session.
	// They are replayed but not compared.
	Skipped int
}

// Deterministic reports whether every compared command ended the same way.
func (r ReplayResult) Deterministic() bool {
	return len(r.Divergences) == 0
}

// Replay re-dispatches the root commands of a recorded session into d, one
// at a time and under their original correlation ids, and compares each
// outcome state with the recorded one. Follow-up commands are not replayed
// directly; the workflows dispatch them again.
//
// Commands run strictly in sequence, so a recorded race (a search
// superseded by a newer one) replays without the race and shows up as a
// divergence.
func Replay(ctx context.Context, j *Journal, sessionID string, codec *engine.Codec, d Dispatcher) (ReplayResult, error) {
	result := ReplayResult{SessionID: sessionID}

	records, err := j.Commands(ctx, sessionID)
	if err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}

	for _, rec := range records {
		if rec.Command.CausationID != "" {
			continue
		}
		cmd, err := codec.Decode(engine.CommandType(rec.Command.Type), []byte(rec.Command.Payload))
		if err != nil {
			return result, fmt.Errorf("replay seq %d: %w", rec.Command.Seq, err)
		}

		// A failed command still yields an outcome; only a missing one
		// stops the replay.
		out, err := d.DispatchAndWait(ctx, cmd, engine.WithCorrelationID(rec.Command.CorrelationID))
		if !out.State.Terminal() {
			return result, fmt.Errorf("replay seq %d: %w", rec.Command.Seq, err)
		}
		if err := d.WaitIdle(ctx); err != nil {
			return result, fmt.Errorf("replay seq %d: %w", rec.Command.Seq, err)
		}
		result.Replayed = append(result.Replayed, out)

		recorded := rec.State()
		if recorded == engine.StatePending {
			result.Skipped++
			continue
		}
		if recorded != out.State {
			result.Divergences = append(result.Divergences, Divergence{
				Seq:           rec.Command.Seq,
				CorrelationID: rec.Command.CorrelationID,
				Command:       rec.Command.Type,
				Recorded:      recorded,
				Replayed:      out.State,
			})
		}
	}
	return result, nil
}
