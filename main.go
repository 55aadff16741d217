package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/connpool/pkg/adapters/postgres"
	"github.com/ekaya-inc/connpool/pkg/adapters/rabbitmq"
	"github.com/ekaya-inc/connpool/pkg/config"
	"github.com/ekaya-inc/connpool/pkg/logging"
	"github.com/ekaya-inc/connpool/pkg/pool"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	withAMQP := flag.Bool("amqp", false, "also check out a broker connection")
	flag.Parse()

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *withAMQP, logger); err != nil {
		logger.Error("Run failed", zap.String("error", logging.SanitizeError(err)))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, withAMQP bool, logger *zap.Logger) error {
	connStr := cfg.Postgres.ConnectionString()
	logger.Info("Starting connpool example",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("postgres", logging.SanitizeConnectionString(connStr)),
		zap.Int32("max_size", cfg.Pool.MaxSize))

	mgr, err := postgres.NewManager(connStr, logger)
	if err != nil {
		return err
	}
	pgPool, err := postgres.NewPool(mgr, postgres.PoolConfig{
		MaxSize:            cfg.Pool.MaxSize,
		StatementCacheSize: cfg.Pool.StatementCacheSize,
	}, logger)
	if err != nil {
		return err
	}
	defer pgPool.Close()

	for i := 1; i < 10; i++ {
		if err := addOne(ctx, pgPool, i, logger); err != nil {
			return err
		}
	}

	stats := map[string]pool.Stats{"postgres": pgPool.Stat()}

	if withAMQP {
		mqStats, err := checkBroker(ctx, cfg.AMQP, cfg.Pool.MaxSize, logger)
		if err != nil {
			return err
		}
		stats["amqp"] = mqStats
	}

	out, err := yaml.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func addOne(ctx context.Context, p *postgres.Pool, i int, logger *zap.Logger) error {
	client, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer client.Release()

	stmt, err := client.Prepare(ctx, "SELECT 1 + $1::int")
	if err != nil {
		return err
	}

	var n int
	if err := client.QueryRow(ctx, stmt.Name, i).Scan(&n); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if n != i+1 {
		return fmt.Errorf("unexpected result %d for %d", n, i)
	}

	logger.Debug("Query ok",
		zap.String("client_id", client.ID().String()),
		zap.Int("value", n))
	return nil
}

func checkBroker(ctx context.Context, cfg config.AMQPConfig, maxSize int32, logger *zap.Logger) (pool.Stats, error) {
	mgr, err := rabbitmq.NewManager(cfg.BrokerURL(),
		rabbitmq.NewConfig(cfg.Heartbeat(), cfg.Locale, cfg.ConnectionName), logger)
	if err != nil {
		return pool.Stats{}, err
	}
	mqPool, err := rabbitmq.NewPool(mgr, pool.Config{MaxSize: maxSize}, logger)
	if err != nil {
		return pool.Stats{}, err
	}
	defer mqPool.Close()

	obj, err := mqPool.Get(ctx)
	if err != nil {
		return pool.Stats{}, err
	}
	defer obj.Release()

	ch, err := obj.Value().Channel()
	if err != nil {
		obj.Discard()
		return pool.Stats{}, err
	}
	if err := ch.Close(); err != nil {
		logger.Warn("Failed to close channel", zap.String("error", logging.SanitizeError(err)))
	}

	logger.Info("Broker connection ok")
	return mqPool.Stat(), nil
}
