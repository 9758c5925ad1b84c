// Package session assembles a running dashflow engine.
//
// A Session owns one engine per dashboard client: its normalized store and
// collections, the decorated backend gateway, the dashboard and element
// handlers, and optionally a journal recorder. Nothing is shared between
// sessions, so tests and concurrent users never see each other's state.
// Close tears everything down; in-flight workflows are cancelled without
// terminal events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/dashflow/internal/config"
	"github.com/roach88/dashflow/internal/dashboard"
	"github.com/roach88/dashflow/internal/elements"
	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/gateway"
	"github.com/roach88/dashflow/internal/journal"
	"github.com/roach88/dashflow/internal/model"
)

// Options configures New.
type Options struct {
	Config config.Config

	// Gateway is the backend. Required.
	Gateway gateway.Gateway

	// Journal receives the session's commands and events. When nil and
	// Config.Journal.Path is set, the session opens that file and closes
	// it on Close.
	Journal *journal.Journal

	// Label is stored with the journal session.
	Label string

	// Correlation overrides the correlation id generator.
	Correlation engine.CorrelationGenerator
}

// Session is one running engine with its handlers.
type Session struct {
	e     *engine.Engine
	c     *model.Collections
	codec *engine.Codec
	gw    gateway.Gateway

	journal     *journal.Journal
	ownsJournal bool
	recorder    *journal.Recorder

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New builds a session and starts its run loop.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Gateway == nil {
		return nil, errors.New("session: gateway is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithDefaultTimeout(cfg.Engine.DefaultTimeout),
		engine.WithMaxChildren(cfg.Engine.MaxChildren),
	}
	if opts.Correlation != nil {
		engineOpts = append(engineOpts, engine.WithCorrelationGenerator(opts.Correlation))
	}
	e := engine.New(engineOpts...)

	c, err := model.Define(e.Store())
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		e:     e,
		c:     c,
		codec: NewCodec(),
		gw:    decorate(opts.Gateway, cfg.Gateway),
	}

	if err := dashboard.Register(e, c, s.gw, dashboard.Config{
		Retry:              cfg.Retry,
		MaxParallelFetches: dashboard.DefaultConfig().MaxParallelFetches,
	}); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := elements.Register(e, c, s.gw, elements.Config{
		PageSize:       cfg.Elements.PageSize,
		SearchDebounce: cfg.Elements.SearchDebounce,
		MaxPrefetch:    cfg.Elements.MaxPrefetch,
		Retry:          cfg.Retry,
	}); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	if err := s.attachJournal(ctx, opts); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := e.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("engine run failed", "error", err)
		}
	}()

	slog.Info("session started",
		"label", opts.Label,
		"journal_session", s.JournalSessionID(),
	)
	return s, nil
}

// NewCodec returns a codec that knows every dashboard and element command.
func NewCodec() *engine.Codec {
	codec := engine.NewCodec()
	dashboard.RegisterCodec(codec)
	elements.RegisterCodec(codec)
	return codec
}

// decorate wraps the backend so that tracing and metrics see every call,
// including those waiting on the rate limiter, and identical metadata
// fetches are merged before they consume a token.
func decorate(gw gateway.Gateway, cfg config.GatewayConfig) gateway.Gateway {
	mws := []gateway.Middleware{gateway.Observed()}
	if cfg.DedupMetadata {
		mws = append(mws, gateway.DedupMetadata())
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, gateway.RateLimited(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)))
	}
	return gateway.Chain(gw, mws...)
}

func (s *Session) attachJournal(ctx context.Context, opts Options) error {
	j := opts.Journal
	if j == nil && opts.Config.Journal.Path != "" {
		var err error
		if j, err = journal.Open(opts.Config.Journal.Path); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.ownsJournal = true
	}
	if j == nil {
		return nil
	}

	r, err := journal.Attach(ctx, j, s.e, opts.Label)
	if err != nil {
		if s.ownsJournal {
			j.Close()
		}
		return fmt.Errorf("session: %w", err)
	}
	s.journal = j
	s.recorder = r
	return nil
}

// Engine returns the session's engine.
func (s *Session) Engine() *engine.Engine { return s.e }

// Collections returns the typed views over the session store.
func (s *Session) Collections() *model.Collections { return s.c }

// Codec returns the codec used to decode commands from JSON or YAML.
func (s *Session) Codec() *engine.Codec { return s.codec }

// Journal returns the journal being written, or nil.
func (s *Session) Journal() *journal.Journal { return s.journal }

// JournalSessionID returns the id of the journal session, or "" when the
// session is not journaled.
func (s *Session) JournalSessionID() string {
	if s.recorder == nil {
		return ""
	}
	return s.recorder.SessionID()
}

// Dispatch sends cmd and returns its correlation id.
func (s *Session) Dispatch(cmd engine.Command, opts ...engine.DispatchOption) string {
	return s.e.Dispatch(cmd, opts...)
}

// DispatchAndWait sends cmd and waits for its outcome.
func (s *Session) DispatchAndWait(ctx context.Context, cmd engine.Command, opts ...engine.DispatchOption) (engine.Outcome, error) {
	return s.e.DispatchAndWait(ctx, cmd, opts...)
}

// DispatchEncoded decodes a command of type typ from its JSON payload and
// dispatches it.
func (s *Session) DispatchEncoded(typ string, payload []byte, opts ...engine.DispatchOption) (string, error) {
	cmd, err := s.codec.Decode(engine.CommandType(typ), payload)
	if err != nil {
		return "", err
	}
	return s.e.Dispatch(cmd, opts...), nil
}

// WaitIdle blocks until no command or workflow is outstanding.
func (s *Session) WaitIdle(ctx context.Context) error {
	return s.e.WaitIdle(ctx)
}

// Subscribe registers handler for the session's events.
func (s *Session) Subscribe(pred event.Predicate, handler event.Handler) func() {
	return s.e.Subscribe(pred, handler)
}

// Close stops the engine, waits for live workflows to unwind and flushes
// the journal. It returns ctx's error if the engine does not stop in time;
// the journal is still flushed in that case.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.e.Close()
		select {
		case <-s.e.Stopped():
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("session: engine did not stop: %w", ctx.Err())
		}
		s.cancel()

		if s.recorder != nil {
			s.recorder.Close()
		}
		if s.ownsJournal {
			if err := s.journal.Close(); err != nil {
				s.closeErr = errors.Join(s.closeErr, fmt.Errorf("session: close journal: %w", err))
			}
		}
		slog.Info("session closed", "journal_session", s.JournalSessionID())
	})
	return s.closeErr
}
