package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"xr-multiplayer/internal/auth"
	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/handlers"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/internal/telemetry"
	"xr-multiplayer/internal/websocket"
	"xr-multiplayer/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.SetGlobal(logger.New(cfg.LogDebug))
	defer logger.GlobalLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to open database: %v", err)
	}
	defer db.Close()

	// Initialize services
	authService := auth.NewService(db, cfg)
	roomService, err := services.NewRoomService(db, cfg.Server.RoomCacheSize)
	if err != nil {
		logger.Fatal("Failed to create room service: %v", err)
	}
	metrics := telemetry.New()

	hubManager := websocket.NewManager(roomService, metrics)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	roomHandlers := handlers.NewRoomHandlers(roomService, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, hubManager, cfg.Server.MaxMessagesPerSecond)
	healthHandlers := handlers.NewHealthHandlers(hubManager)

	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, roomHandlers, wsHandlers, healthHandlers, metrics)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Relay started on http://localhost%s", cfg.Server.Port)
		logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
		printAPIEndpoints()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by the server, so
		// the relay closes them itself.
		hubErr := hubManager.Shutdown(shutdownCtx)
		return errors.Join(server.Shutdown(shutdownCtx), hubErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error: %v", err)
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, url string) (database.Database, error) {
	if url == "" || url == "memory" {
		logger.Warn("DATABASE_URL is %q, rooms and accounts are kept in memory", url)
		return database.NewMemoryDB(), nil
	}

	if path, ok := strings.CutPrefix(url, "sqlite:"); ok {
		db, err := database.NewSQLiteDB(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := database.NewPostgresDB(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, roomHandlers *handlers.RoomHandlers,
	wsHandlers *handlers.WebSocketHandlers, healthHandlers *handlers.HealthHandlers, metrics *telemetry.Metrics) {
	// Auth routes
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/guest", authHandlers.Guest)

	// Room directory
	mux.HandleFunc("/rooms", roomHandlers.ListPublic)
	mux.HandleFunc("/rooms/", roomHandlers.GetRoom)

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	mux.HandleFunc("/healthz", healthHandlers.Health)
	mux.Handle("/metrics", metrics.Handler())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("API endpoints:")
	logger.Info("   POST /register")
	logger.Info("   POST /login")
	logger.Info("   POST /guest")
	logger.Info("   GET  /rooms")
	logger.Info("   GET  /rooms/{code}")
	logger.Info("   GET  /ws?token=...")
	logger.Info("   GET  /healthz")
	logger.Info("   GET  /metrics")
}
