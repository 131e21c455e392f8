package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/allisson/fastpubsub/internal/auth"
	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"
	"github.com/allisson/fastpubsub/internal/metrics"
	"github.com/allisson/fastpubsub/internal/server"
	"github.com/allisson/fastpubsub/internal/store"
	"github.com/allisson/fastpubsub/internal/worker"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const usage = `usage: fastpubsub <command>

commands:
  server                     start the HTTP API
  db-migrate                 upgrade the database schema
  cleanup_acked_messages     delete old acked messages
  cleanup_stuck_messages     release expired leases
  generate_secret_key        print a new random secret
  create_client <name> [scopes] [is_active]
                             create an API client
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// generate_secret_key has no database or config dependency.
	if os.Args[1] == "generate_secret_key" {
		fmt.Printf("new_secret=%s\n", auth.GenerateSecret())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := log.NewLogger(cfg.LogLevel, cfg.LogFormatter)
	defer func() { _ = logger.Sync() }()

	st, err := store.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "server":
		err = runServer(ctx, cfg, st, logger)
	case "db-migrate":
		err = st.Migrate(ctx)
	case "cleanup_acked_messages":
		cleaner := worker.NewCleaner(st, cfg, metrics.NewBrokerMetrics(), logger)
		_, err = cleaner.SweepAcked(ctx)
	case "cleanup_stuck_messages":
		cleaner := worker.NewCleaner(st, cfg, metrics.NewBrokerMetrics(), logger)
		_, err = cleaner.SweepStuck(ctx)
	case "create_client":
		err = createClient(ctx, st, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, st *store.Store, logger *log.Logger) error {
	authn := auth.NewAuthenticator(cfg, st, logger)
	m := metrics.NewBrokerMetrics()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, authn, m, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func createClient(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("create_client requires a client name")
	}
	params := store.CreateClientParams{Name: args[0], Scopes: "*", IsActive: true}
	if len(args) > 1 {
		params.Scopes = args[1]
	}
	if len(args) > 2 {
		isActive, err := strconv.ParseBool(args[2])
		if err != nil {
			return fmt.Errorf("is_active must be a boolean: %w", err)
		}
		params.IsActive = isActive
	}

	client, secret, err := st.CreateClient(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("client_id=%s\n", client.ID)
	fmt.Printf("client_secret=%s\n", secret)
	return nil
}
