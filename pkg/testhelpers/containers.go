// Package testhelpers starts shared backend containers for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ekaya-inc/connpool/pkg/retry"
)

const (
	PostgresImage = "postgres:17-alpine"
	RabbitMQImage = "rabbitmq:4-alpine"
)

// TestPostgres holds a shared PostgreSQL container.
type TestPostgres struct {
	Container testcontainers.Container
	ConnStr   string
}

// TestRabbitMQ holds a shared RabbitMQ container.
type TestRabbitMQ struct {
	Container testcontainers.Container
	URL       string
}

var (
	sharedPostgres     *TestPostgres
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error

	sharedRabbitMQ     *TestRabbitMQ
	sharedRabbitMQOnce sync.Once
	sharedRabbitMQErr  error
)

// GetTestPostgres returns a PostgreSQL container shared by every test in the run.
func GetTestPostgres(t *testing.T) *TestPostgres {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedPostgresOnce.Do(func() {
		sharedPostgres, sharedPostgresErr = setupPostgres()
	})

	if sharedPostgresErr != nil {
		t.Fatalf("Failed to setup test postgres: %v", sharedPostgresErr)
	}

	return sharedPostgres
}

func setupPostgres() (*TestPostgres, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "connpool_test",
			"POSTGRES_USER":     "connpool",
			"POSTGRES_PASSWORD": "test_password",
		},
		// The entrypoint restarts the server once after init, so wait for the second line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://connpool:test_password@%s:%s/connpool_test?sslmode=disable",
		host, port.Port())

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		conn, err := pgx.Connect(ctx, connStr)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return conn.Ping(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres container not reachable: %w", err)
	}

	return &TestPostgres{
		Container: container,
		ConnStr:   connStr,
	}, nil
}

// GetTestRabbitMQ returns a RabbitMQ container shared by every test in the run.
func GetTestRabbitMQ(t *testing.T) *TestRabbitMQ {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRabbitMQOnce.Do(func() {
		sharedRabbitMQ, sharedRabbitMQErr = setupRabbitMQ()
	})

	if sharedRabbitMQErr != nil {
		t.Fatalf("Failed to setup test rabbitmq: %v", sharedRabbitMQErr)
	}

	return sharedRabbitMQ
}

func setupRabbitMQ() (*TestRabbitMQ, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        RabbitMQImage,
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "connpool",
			"RABBITMQ_DEFAULT_PASS": "test_password",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start rabbitmq container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	brokerURL := fmt.Sprintf("amqp://connpool:test_password@%s:%s/", host, port.Port())

	// The log line can precede the listener accepting AMQP connections.
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		conn, err := amqp.Dial(brokerURL)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq container not reachable: %w", err)
	}

	return &TestRabbitMQ{
		Container: container,
		URL:       brokerURL,
	}, nil
}
