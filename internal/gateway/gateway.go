// ABOUTME: Gateway orchestrator that wires storage, Redis, broadcast, jobs and the AI bridge
// ABOUTME: Owns the HTTP server and background loops and shuts them down in order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chat/internal/aibridge"
	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/rdb"
	"github.com/2389/coven-chat/internal/store"
)

// ErrAPIDisabled is returned by Run when no JWT secret is configured.
var ErrAPIDisabled = errors.New("auth.jwt_secret is required to serve the API")

// ErrAIDisabled is returned by RunListener when the AI bridge is off.
var ErrAIDisabled = errors.New("ai.enabled is false")

// asynqQueueName is the asynq queue reply jobs are placed on.
const asynqQueueName = "coven-chat"

// Gateway owns every long-lived component of a coven-chat process.
type Gateway struct {
	config *config.Config
	store  *store.SQLiteStore
	redis  *redis.Client // nil when Redis is not configured
	hub    *broadcast.Hub
	relay  *broadcast.Relay
	queue  jobs.Queue
	logger *slog.Logger

	// serverID identifies this instance on shared Redis channels
	serverID string

	// dedupe drops redelivered AI responses
	dedupe *dedupe.Cache

	// listener is nil when the AI bridge is disabled
	listener *aibridge.Listener

	chats      *conversation.Service
	httpServer *http.Server

	stopBackground context.CancelFunc
	background     sync.WaitGroup
	shutdownOnce   sync.Once
	shutdownErr    error
}

// OpenStore opens the SQLite store named by cfg. COVEN_DB_PATH overrides the configured path.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func redisOptions(cfg config.RedisConfig) rdb.Options {
	return rdb.Options{
		URL:      cfg.URL,
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// initQueue builds the job backend named by queue.backend.
func initQueue(cfg *config.Config, logger *slog.Logger) (jobs.Queue, error) {
	switch cfg.Queue.Backend {
	case "asynq":
		opt, err := redisOptions(cfg.Redis).AsynqOptions()
		if err != nil {
			return nil, fmt.Errorf("configuring asynq: %w", err)
		}
		return jobs.NewAsynqQueue(opt, jobs.AsynqConfig{
			Queue:       asynqQueueName,
			Concurrency: cfg.Queue.Concurrency,
		}, logger), nil
	default:
		return jobs.NewMemoryQueue(cfg.Queue.Size, cfg.Queue.Concurrency, logger), nil
	}
}

// initAIBridge builds the dispatcher and listener. Both share one
// correlation store so the listener sees what the dispatcher saved.
func (g *Gateway) initAIBridge(cfg config.AIConfig) *aibridge.Dispatcher {
	correlations := aibridge.NewCorrelationStore(g.redis, cfg.RequestTTL)
	dispatcher := aibridge.NewDispatcher(g.redis, correlations, cfg.RequestsKey, g.logger)

	var source aibridge.ResponseSource
	if cfg.ListenMode == "subscribe" {
		source = aibridge.NewSubscribeSource(g.redis, cfg.ResponsesKey, cfg.ReconnectBackoff, cfg.MaxBackoff, g.logger)
	} else {
		source = aibridge.NewPollSource(g.redis, cfg.ResponsesKey, cfg.PollInterval, cfg.ErrorBackoff, g.logger)
	}

	g.dedupe = dedupe.New(cfg.RequestTTL, 100_000)
	g.listener = aibridge.NewListener(source, correlations, g.dedupe, g.queue, g.logger)
	return dispatcher
}

// New creates a Gateway from cfg. Redis is connected here so that a bad
// address fails at startup rather than on the first message.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		store:    st,
		hub:      broadcast.NewHub(logger),
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	if cfg.Redis.Enabled() {
		g.redis, err = rdb.Open(context.Background(), redisOptions(cfg.Redis))
		if err != nil {
			_ = g.closeComponents()
			return nil, err
		}
	}

	var publisher broadcast.Publisher = g.hub
	if cfg.Broadcast.Driver == "redis" {
		publisher = broadcast.Multi{g.hub, broadcast.NewRedisPublisher(g.redis, g.serverID)}
		g.relay = broadcast.NewRelay(g.redis, g.hub, g.serverID, logger)
	}

	g.queue, err = initQueue(cfg, logger)
	if err != nil {
		_ = g.closeComponents()
		return nil, err
	}

	var ai conversation.AIDispatcher
	if cfg.AI.Enabled {
		ai = g.initAIBridge(cfg.AI)
	}

	g.chats = conversation.New(st, st, publisher, ai, logger)

	reply := aibridge.NewReplyTask(g.chats, st, aibridge.ReplyOptions{
		MaxAttempts:     cfg.AI.MaxAttempts,
		Timeout:         cfg.AI.JobTimeout,
		FallbackMessage: cfg.AI.FallbackMessage,
	}, logger)
	if err := g.queue.Register(reply.Task()); err != nil {
		_ = g.closeComponents()
		return nil, fmt.Errorf("registering reply task: %w", err)
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = g.closeComponents()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		server := api.New(api.Options{
			Chats:      g.chats,
			Directory:  st,
			Verifier:   verifier,
			Events:     g.hub,
			FailedJobs: st,
			Ready:      g.ready,
			Logger:     logger,
		})
		g.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g.logger.Info("gateway initialized",
		"server_id", g.serverID,
		"broadcast", cfg.Broadcast.Driver,
		"queue", cfg.Queue.Backend,
		"ai_enabled", cfg.AI.Enabled,
		"ai_listen_mode", cfg.AI.ListenMode,
	)
	return g, nil
}

// Chats exposes the conversation service for in-process callers such as
// the seed command.
func (g *Gateway) Chats() *conversation.Service {
	return g.chats
}

// Store exposes the underlying store.
func (g *Gateway) Store() *store.SQLiteStore {
	return g.store
}

// ready reports whether the database and Redis are reachable.
func (g *Gateway) ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// startBackground launches the job workers, the AI listener and the
// broadcast relay. Their failures are reported on errCh.
func (g *Gateway) startBackground(ctx context.Context, errCh chan<- error) {
	ctx, g.stopBackground = context.WithCancel(ctx)

	run := func(name string, fn func(context.Context) error) {
		g.background.Go(func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
					g.logger.Error("background component failed", "component", name, "error", err)
				}
			}
		})
	}

	run("job queue", g.queue.Run)
	if g.listener != nil {
		run("ai listener", g.listener.Run)
	}
	if g.relay != nil {
		run("broadcast relay", g.relay.Run)
	}
}

// setupListener binds the HTTP address.
func (g *Gateway) setupListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves the API and runs every background loop until ctx is canceled.
// Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	if g.httpServer == nil {
		return ErrAPIDisabled
	}
	ln, err := g.setupListener()
	if err != nil {
		return err
	}
	return g.RunOn(ctx, ln)
}

// RunOn is Run on an existing listener.
func (g *Gateway) RunOn(ctx context.Context, ln net.Listener) error {
	if g.httpServer == nil {
		_ = ln.Close()
		return ErrAPIDisabled
	}

	errCh := make(chan error, 4)
	g.startBackground(ctx, errCh)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// RunListener runs the job workers and the AI listener without the HTTP
// API, for processes dedicated to delivering assistant replies.
func (g *Gateway) RunListener(ctx context.Context) error {
	if g.listener == nil {
		return ErrAIDisabled
	}

	errCh := make(chan error, 4)
	g.startBackground(ctx, errCh)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("component error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional component error", "error", additionalErr)
		default:
			return
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitBackground waits for background loops or gives up when ctx expires.
func (g *Gateway) waitBackground(ctx context.Context) error {
	if g.stopBackground != nil {
		g.stopBackground()
	}
	done := make(chan struct{})
	go func() {
		g.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background components still running: %w", ctx.Err())
	}
}

// Shutdown stops accepting requests, lets in-flight side effects finish,
// stops the background loops and releases every resource. Safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if g.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		}
		// Reply jobs post messages, so side effects are drained after the
		// workers stop.
		errs = appendCloseError(errs, "background", g.waitBackground(ctx))
		g.chats.Close()

		errs = appendCloseError(errs, "components", g.closeComponents())
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// closeComponents releases the components that may be nil during a
// partially failed New.
func (g *Gateway) closeComponents() error {
	var errs []error
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.queue != nil {
		errs = appendCloseError(errs, "queue close", g.queue.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.hub != nil {
		// Streams are hijacked connections; closing the hub ends them.
		g.hub.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errors.Join(errs...)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "coven-chat-" + uuid.NewString()[:8]
}
