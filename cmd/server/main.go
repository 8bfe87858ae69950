package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/lattice/pairsync/internal/api"
	"github.com/manpreetbhatti/lattice/pairsync/internal/auth"
	"github.com/manpreetbhatti/lattice/pairsync/internal/compaction"
	"github.com/manpreetbhatti/lattice/pairsync/internal/config"
	"github.com/manpreetbhatti/lattice/pairsync/internal/db"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/relay"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
	"github.com/manpreetbhatti/lattice/pairsync/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	addr := flag.String("addr", "", "http service address (overrides PORT)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flag.Parse()

	var overrides config.Overrides
	if *addr != "" {
		overrides.Addr = addr
	}
	if *logLevel != "" {
		overrides.LogLevel = logLevel
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	database, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	database.SetAutoRecordRetention(cfg.KeepAutoRecords)
	log.Printf("✅ Connected to %s", cfg.DBDriver)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	opts := room.Options{
		IdleTimeout: cfg.RoomIdleTimeout,
		Archiver:    database,
	}

	var fanout *relay.Relay
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("✅ Connected to Redis")

		fanout = relay.New(relay.NewRedisBroker(redisClient))
		opts.Publisher = fanout
	}

	registry := room.NewRegistry(opts)
	registryDone := make(chan struct{})
	go func() {
		registry.Run(ctx)
		close(registryDone)
	}()
	if fanout != nil {
		go fanout.Run(ctx, registry)
		log.Printf("📡 Relay instance %s", fanout.Instance())
	}

	compactor := compaction.New(registry, compaction.Config{
		Interval:         cfg.CompactionInterval,
		AwarenessTimeout: cfg.AwarenessTimeout,
	})
	compactor.Start()

	var validator auth.TokenValidator
	if cfg.JWTSecret != "" {
		validator = auth.NewHMACValidator(cfg.JWTSecret)
	} else {
		log.Println("⚠️  JWT_SECRET not set: trusting the user named in requests")
	}
	authMiddleware := auth.NewMiddleware(validator)

	wsServer := ws.NewServer(registry, database)
	apiHandler := api.New(registry, database)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", apiHandler.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", wsServer.ServeHTTP)
		apiHandler.Mount(r)
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Rooms are archived while their connections are still open.
		registry.CloseAll(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http shutdown: %v", err)
		}
	}()

	log.Printf("🌸 Pairsync server starting on %s", cfg.Addr)
	log.Printf("📁 Database: %s", cfg.DBDriver)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?room={roomId}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Room:      GET /api/rooms/{id}")
	log.Println("  - Close:     POST /api/rooms/{id}/close")
	log.Println("  - Language:  GET/PUT /api/rooms/{id}/language")
	log.Println("  - Records:   GET /api/rooms/{id}/records")
	log.Println("  - Record:    GET /api/records/{id}")
	log.Println("  - Diff:      GET /api/records/diff?from=X&to=Y")
	log.Println("  - Prefs:     PUT /api/me/language")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("ListenAndServe: ", err)
	}

	compactor.Stop()
	wsServer.Close()
	stop()
	<-registryDone
	if err := database.Close(); err != nil {
		logger.Errorf("close database: %v", err)
	}
	log.Println("👋 Server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
