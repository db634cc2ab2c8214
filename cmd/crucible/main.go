package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/throw-if-null/crucible/internal/config"
	"github.com/throw-if-null/crucible/internal/generator"
	"github.com/throw-if-null/crucible/internal/journal"
	"github.com/throw-if-null/crucible/internal/runner"
	"github.com/throw-if-null/crucible/internal/sandbox"
	"github.com/throw-if-null/crucible/internal/server"
	"github.com/throw-if-null/crucible/internal/session"
	"github.com/throw-if-null/crucible/internal/stage"
	"github.com/throw-if-null/crucible/internal/telemetry"
	"github.com/throw-if-null/crucible/internal/version"
)

func main() {
	// .env is optional; explicit environment wins either way.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	root, err := os.Getwd()
	if err != nil {
		log.Fatal("failed to resolve working directory", zap.Error(err))
	}

	res := config.Load(root)
	if res.ParseError != nil {
		log.Fatal("failed to load config", zap.String("path", res.Path), zap.Error(res.ParseError))
	}
	cfg := res.Config
	if res.Found {
		log.Info("loaded config", zap.String("path", res.Path))
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName:    "crucible",
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Fatal("failed to init tracing", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	jr, err := openJournal(root, log)
	if err != nil {
		log.Fatal("failed to open journal", zap.Error(err))
	}
	defer jr.Close()

	reg, err := stage.LoadPipeline(filepath.Join(root, cfg.Pipeline.Path))
	if err != nil {
		log.Fatal("failed to load pipeline", zap.Error(err))
	}
	log.Info("pipeline loaded", zap.Strings("stages", reg.Names()))

	pool, err := sandbox.NewManager(
		filepath.Join(root, cfg.Sandbox.Root),
		cfg.Sandbox.Capacity,
		time.Duration(cfg.Sandbox.AcquireTimeoutSeconds)*time.Second,
		nil,
	)
	if err != nil {
		log.Fatal("failed to init sandbox pool", zap.Error(err))
	}

	gen := generator.NewHTTPClient(
		cfg.Generator.Endpoint,
		time.Duration(cfg.Generator.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Generator.MaxElapsedSecs)*time.Second,
	)

	run := runner.New(gen, pool, log)
	srv := server.NewServer(reg, run, session.NewStore(), jr, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("crucible listening",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("addr", "http://"+addr),
	)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func openJournal(root string, log *zap.Logger) (*journal.Journal, error) {
	dir := filepath.Join(root, ".crucible")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return journal.Open(filepath.Join(dir, "crucible.db"), root, log)
}
