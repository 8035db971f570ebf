// Package app wires the server runtime: config, logging, stores, queue,
// gateways, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"veil/internal/auth"
	"veil/internal/dispatch"
	"veil/internal/hexid"
	"veil/internal/httpapi"
	"veil/internal/hub"
	"veil/internal/metrics"
	"veil/internal/queue"
	"veil/internal/registry"
	"veil/internal/session"
	"veil/internal/store"
)

// runner consumes delivery jobs until ctx is done.
type runner func(ctx context.Context, deliver queue.Deliverer)

// App is the server runtime. It owns every long-lived resource and releases
// them on shutdown.
type App struct {
	cfg Config
	log *slog.Logger

	st    store.Store
	mongo *store.Mongo

	redisClient *redis.Client
	producer    queue.Producer
	consume     runner

	hub     *hub.Hub
	reg     *registry.Registry
	metrics *metrics.Metrics

	gateway *session.Gateway
	api     *httpapi.API
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("app: JWT_SECRET is required")
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		hub:     hub.NewHub(log),
		reg:     registry.New(),
		metrics: metrics.New(),
	}

	limits := store.Limits{
		ConversationPage: cfg.ConversationPage,
		MessagePage:      cfg.MessagePage,
		MaxPins:          cfg.MaxPins,
	}
	if cfg.MongoURI != "" {
		mongo, err := store.NewMongo(ctx, cfg.MongoURI, limits)
		if err != nil {
			return nil, err
		}
		a.mongo = mongo
		a.st = mongo.Bundle()
		log.Info("store.mongo.ready")
	} else {
		a.st = store.NewMemory(limits).Bundle()
		log.Info("store.memory.ready")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret,
		auth.WithTTL(cfg.JWTExpiresIn),
		auth.WithSalt(cfg.AuthSalt))
	if err != nil {
		return nil, err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = hexid.Generate(6)
	}

	if cfg.RedisURI != "" {
		opts, err := redis.ParseURL(cfg.RedisURI)
		if err != nil {
			return nil, fmt.Errorf("app: redis uri: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
		q, err := queue.NewRedis(log, client, instanceID)
		if err != nil {
			return nil, err
		}
		a.redisClient = client
		a.producer = q
		a.consume = func(ctx context.Context, deliver queue.Deliverer) {
			if err := q.Run(ctx, deliver); err != nil {
				log.Error("queue.run.fail", "err", err)
			}
		}
		log.Info("queue.redis.ready", "instance_id", instanceID)
	} else {
		m := queue.NewMemory(log, 0)
		a.producer = m
		a.consume = m.Run
		log.Info("queue.memory.ready", "instance_id", instanceID)
	}

	dispatcher := dispatch.New(log, a.st, a.hub, a.producer, a.metrics)

	a.gateway = session.New(log, verifier, a.st, a.hub, a.reg, dispatcher, a.metrics, session.Config{
		ReadIdle:       cfg.SocketIdle,
		OriginPatterns: cfg.AllowedOrigins,
		DevInsecure:    cfg.DevInsecureWS,
	})
	a.api = httpapi.New(log, a.st, verifier)

	return a, nil
}

// Run starts the delivery worker and the HTTP server, and blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	go a.consume(ctx, queue.NewLocalDeliverer(a.log, a.reg))

	mux := http.NewServeMux()
	a.registerRoutes(mux)

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start",
		"addr", srv.Addr, "tls", a.cfg.TLSEnabled(), "mongo", a.mongo != nil, "redis", a.redisClient != nil)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.close(shutdownCtx)

	a.log.Info("server.stopped")
	return nil
}

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.mongo != nil {
			if err := a.mongo.Ping(r.Context()); err != nil {
				a.log.Info("readyz.mongo.not_ready", "err", err)
				http.Error(w, "mongo not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if a.redisClient != nil {
			if err := a.redisClient.Ping(r.Context()).Err(); err != nil {
				a.log.Info("readyz.redis.not_ready", "err", err)
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /events", a.gateway.HandleEvents)
	mux.HandleFunc("GET /chat/{hex}", a.gateway.HandleChat)

	a.api.Register(mux)
}

// close releases the backing connections.
func (a *App) close(ctx context.Context) {
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}
