package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ocelotmarkets/botsup/internal/history"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

func TestPostgresSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, postgresContainer.Terminate(ctx)) }()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	startEvent := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		JobName:    "test-job",
		PID:        12345,
		Phase:      jobtable.PhaseRunning,
		Uniq:       "test-unique-key",
	}
	require.NoError(t, sink.Send(ctx, startEvent))

	stopEvent := history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		JobName:    "test-job",
		PID:        12345,
		Phase:      jobtable.PhaseExitedOK,
		ExitCode:   0,
		Uniq:       "test-unique-key",
	}
	require.NoError(t, sink.Send(ctx, stopEvent))

	var count int
	row := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_history WHERE job_name = $1", "test-job")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 2, count)
}
