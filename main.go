package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"waveroom/server/internal/chat"
	"waveroom/server/internal/collab"
	"waveroom/server/internal/config"
	"waveroom/server/internal/document"
	"waveroom/server/internal/lock"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/presence"
	"waveroom/server/internal/session"
	"waveroom/server/internal/store"
	"waveroom/server/internal/version"
)

// persistence is the union of the store surfaces the services consume.
// Both the Postgres and the in-memory store satisfy it.
type persistence interface {
	version.Store
	chat.Store
	collab.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("loading configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional Redis: presence storage and cross-instance room fan-out.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		err := backoff.Retry(func() error {
			return rdb.Ping(ctx).Err()
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx))
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connecting to redis")
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	// Optional Postgres: project, version, collaborator, and chat
	// persistence plus the distributed lock table.
	var (
		db        persistence
		lockStore lock.Store
		pool      *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		err := backoff.Retry(func() error {
			var perr error
			pool, perr = pgxpool.New(ctx, cfg.DatabaseURL)
			if perr != nil {
				return perr
			}
			if perr = pool.Ping(ctx); perr != nil {
				pool.Close()
				return perr
			}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx))
		if err != nil {
			log.Fatal().Err(err).Msg("connecting to postgres")
		}
		defer pool.Close()

		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensuring schema")
		}
		db = pg
		lockStore = pg
		log.Info().Msg("connected to postgres")
	} else {
		db = store.NewMemory()
		lockStore = lock.NewMemoryStore(nil)
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	var presenceStore presence.Store
	var presenceMem *presence.MemoryStore
	if rdb != nil {
		presenceStore = presence.NewRedisStore(rdb, cfg.PresenceTTL)
	} else {
		presenceMem = presence.NewMemoryStore(cfg.PresenceTTL, nil)
		presenceStore = presenceMem
	}

	docs := document.NewRegistry(document.Options{FlushInterval: cfg.FlushInterval, Logger: log})
	pres := presence.NewRegistry(presenceStore, presence.Options{Logger: log})
	collabSvc := collab.NewService(db, collab.Options{Logger: log})
	perms := permission.NewService(collabSvc)
	locks := lock.NewManager(lockStore, perms, lock.Options{Logger: log})
	versions := version.NewService(db, docs, perms, version.Options{Logger: log})
	chatSvc := chat.NewService(db, perms, chat.Options{Logger: log})
	hub := session.NewHub(session.HubOptions{Redis: rdb, Logger: log})
	gateway := session.NewGateway(docs, pres, locks, versions, chatSvc, perms, hub, session.GatewayOptions{Logger: log})

	// Background maintenance.
	go locks.Run(ctx, cfg.LockSweepInterval)
	if presenceMem != nil {
		go presenceMem.Run(ctx, cfg.PresenceSweep)
	}
	go func() {
		ticker := time.NewTicker(cfg.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := docs.EvictIdle(); len(evicted) > 0 {
					log.Info().Strs("projects", evicted).Msg("evicted idle documents")
				}
			}
		}
	}()

	r := mux.NewRouter()
	r.HandleFunc("/ws", gateway.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"documents": docs.Stats().ActiveDocuments,
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{projectId}/versions", func(w http.ResponseWriter, req *http.Request) {
		projectID := mux.Vars(req)["projectId"]
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		history, err := versions.History(req.Context(), projectID, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing versions"})
			return
		}
		writeJSON(w, http.StatusOK, history)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{projectId}/collaborators", func(w http.ResponseWriter, req *http.Request) {
		projectID := mux.Vars(req)["projectId"]
		collaborators, err := collabSvc.List(req.Context(), projectID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing collaborators"})
			return
		}
		writeJSON(w, http.StatusOK, collaborators)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	hub.Close()
	docs.Close()
	log.Info().Msg("stopped")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
