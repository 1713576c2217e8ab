// Package app wires all voxloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session loop and HTTP server, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithMCPHost,
// WithArchiveStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/inputmux"
	"github.com/voxloop/voxloop/internal/mcp"
	"github.com/voxloop/voxloop/internal/mcp/mcphost"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/response"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/internal/transport"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go from the config.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
}

// App owns all subsystem lifetimes for one voxloop session server.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	mcpHost mcp.Host
	archive *archive.Store
	store   *conversation.Store
	mux     *inputmux.Mux
	tc      *transcript.Channel
	rc      *response.Channel
	coord   *session.Coordinator
	server  *transport.Server
	metrics *observe.Metrics

	// turnHook archives appended turns; nil when archiving is off.
	turnHook func(conversation.Turn)

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithArchiveStore injects an archive store instead of connecting from config.
func WithArchiveStore(s *archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics injects a metrics instance instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. A nil STT provider (or a transcription connection that
// cannot be established) starts the session degraded to typed-only input
// rather than failing.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.store = conversation.NewStore()
	a.mux = inputmux.New()

	a.initTranscript(ctx)
	a.initResponse()
	a.initSession()
	a.initTransport()

	return a, nil
}

// initArchive connects the PostgreSQL turn archive when a DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil // injected
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil
	}

	store, pool, err := archive.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	a.archive = store
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host and registers configured tool servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		host := mcphost.New()
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range a.cfg.MCP.Servers {
		err := a.mcpHost.RegisterServer(ctx, mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// initTranscript opens the live transcription channel when an STT provider is
// configured. A connection failure is not fatal: the session starts degraded
// to typed-only input.
func (a *App) initTranscript(ctx context.Context) {
	if a.providers.STT == nil {
		return
	}

	var opts []transcript.Option
	if d := a.cfg.Session.KeepAliveInterval.Std(); d > 0 {
		opts = append(opts, transcript.WithKeepAliveInterval(d))
	}
	rc := a.cfg.Session.Reconnect
	if rc.MaxRetries > 0 || rc.Backoff > 0 || rc.MaxBackoff > 0 {
		opts = append(opts, transcript.WithReconnect(rc.MaxRetries, rc.Backoff.Std(), rc.MaxBackoff.Std()))
	}
	opts = append(opts, transcript.WithLogger(a.logger))

	tc := transcript.New(a.providers.STT, opts...)
	if err := tc.Open(ctx); err != nil {
		a.logger.Warn("transcription unavailable at startup, starting typed-only",
			"error", err)
		return
	}
	a.tc = tc
}

// initResponse builds the response channel from the session config.
func (a *App) initResponse() {
	opts := []response.Option{
		response.WithTools(a.mcpHost),
		response.WithLogger(a.logger),
	}
	if p := a.cfg.Session.SystemPrompt; p != "" {
		opts = append(opts, response.WithSystemPrompt(p))
	}
	if n := a.cfg.Session.MaxToolIterations; n > 0 {
		opts = append(opts, response.WithMaxToolIterations(n))
	}
	if t := a.cfg.Session.Temperature; t > 0 {
		opts = append(opts, response.WithTemperature(t))
	}
	a.rc = response.New(a.providers.LLM, opts...)
}

// initSession assembles the coordinator and binds the archive hook to its
// session ID.
func (a *App) initSession() {
	opts := []session.Option{session.WithLogger(a.logger)}
	if n := a.cfg.Session.HistoryLimit; n > 0 {
		opts = append(opts, session.WithHistoryLimit(n))
	}
	if d := a.cfg.Session.ShutdownGrace.Std(); d > 0 {
		opts = append(opts, session.WithShutdownGrace(d))
	}
	if a.archive != nil {
		opts = append(opts, session.WithTurnHook(a.onTurn))
	}

	a.coord = session.New(a.store, a.tc, a.rc, a.mux, opts...)
	if a.archive != nil {
		a.turnHook = a.archive.TurnHook(a.coord.ID())
	}
}

// onTurn forwards appended turns to the archive hook once it is bound.
func (a *App) onTurn(turn conversation.Turn) {
	if a.turnHook != nil {
		a.turnHook(turn)
	}
}

// initTransport builds the HTTP server with health probes.
func (a *App) initTransport() {
	checkers := []health.Checker{
		{Name: "session", Check: a.checkSession},
	}
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = transport.New(addr, a.store, a.mux, a.coord,
		transport.WithHealth(health.New(checkers...)),
		transport.WithMetrics(a.metrics),
		transport.WithLogger(a.logger),
	)
}

// checkSession reports readiness as long as the session accepts input.
func (a *App) checkSession(context.Context) error {
	if s := a.coord.State(); s == session.StateClosed {
		return fmt.Errorf("session state is %s", s)
	}
	return nil
}

// Coordinator exposes the session coordinator, mainly for tests.
func (a *App) Coordinator() *session.Coordinator { return a.coord }

// Mux exposes the input multiplexer, mainly for tests.
func (a *App) Mux() *inputmux.Mux { return a.mux }

// queueSampleInterval is how often the input queue depth metric is updated.
const queueSampleInterval = 10 * time.Second

// httpDrainTimeout bounds the HTTP server drain once ctx is cancelled.
const httpDrainTimeout = 5 * time.Second

// Run starts the session loop and the HTTP server and blocks until ctx is
// cancelled or a subsystem fails. It returns the first non-nil subsystem
// error; ErrShutdownTimeout from the coordinator indicates an in-flight turn
// had to be abandoned.
func (a *App) Run(ctx context.Context) error {
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.coord.Run(ctx)
	})

	g.Go(func() error {
		return a.server.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	g.Go(func() error {
		a.sampleQueueDepth(ctx)
		return nil
	})

	a.logger.Info("app running",
		"session_id", a.coord.ID(),
		"addr", a.cfg.Server.ListenAddr,
		"typed_only", a.tc == nil,
	)
	return g.Wait()
}

// sampleQueueDepth keeps the queue depth metric in step with the multiplexer.
func (a *App) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := int64(a.mux.Len())
			a.metrics.QueueDepth.Add(ctx, cur-last)
			last = cur
		}
	}
}

// Shutdown tears down subsystems not owned by the session loop, in order. It
// respects the context deadline: if ctx expires before all closers finish,
// the remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
