//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*Store, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "pkidesk",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/pkidesk?sslmode=disable", host, port.Port())

	s, err := NewRepositoryFromConfig(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	return s, func() {
		s.Close()
		_ = container.Terminate(ctx)
	}
}

func TestIntegration_Repository(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	runRepositoryTests(t, s)
}
