package supervisor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocelotmarkets/botsup/internal/jobtable"
	"github.com/ocelotmarkets/botsup/internal/snapshot"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHaltWhenAllStopped(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	jobs := []jobtable.JobSpec{
		{Name: "a", Enabled: true, Program: "/bin/true", Restart: jobtable.RestartNever, LogFile: filepath.Join(dir, "a.log")},
		{Name: "b", Enabled: true, Program: "/bin/true", Restart: jobtable.RestartNever, LogFile: filepath.Join(dir, "b.log")},
	}

	cfg := Config{
		ConfigPath:         filepath.Join(dir, "config.json"),
		StateFilePath:      statePath,
		PollInterval:       50 * time.Millisecond,
		WriteStateInterval: 50 * time.Millisecond,
		HaltWhenAllStopped: true,
	}

	s := New(cfg, jobs, silentLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	code := s.Run(ctx)
	assert.Equal(t, ExitHaltWhenAllStopped, code)

	snap, err := snapshot.Read(statePath)
	require.NoError(t, err)
	for _, j := range snap.Jobs {
		assert.Equal(t, jobtable.PhaseExitedOK, j.Phase)
	}
}

func TestHaltOnJobFailure(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	jobs := []jobtable.JobSpec{
		{
			Name: "flaky", Enabled: true, Program: "/bin/sh", Args: []string{"-c", "exit 1"},
			Restart: jobtable.RestartOnFailure, MaxConsecutiveFailures: 2,
			CooldownBaseSec: 0.05, CooldownCapSec: 0.1,
			LogFile: filepath.Join(dir, "flaky.log"),
		},
	}

	cfg := Config{
		ConfigPath:         filepath.Join(dir, "config.json"),
		StateFilePath:      statePath,
		PollInterval:       20 * time.Millisecond,
		WriteStateInterval: 20 * time.Millisecond,
		HaltOnJobFailure:   true,
	}

	s := New(cfg, jobs, silentLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	code := s.Run(ctx)
	assert.Equal(t, ExitHaltOnJobFailure, code)

	snap, err := snapshot.Read(statePath)
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, jobtable.PhaseHalted, snap.Jobs[0].Phase)
	assert.GreaterOrEqual(t, snap.Jobs[0].RestartCount, 2)
}

func TestExternalStopAcknowledged(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	jobs := []jobtable.JobSpec{
		{Name: "sleeper", Enabled: true, Program: "/bin/sleep", Args: []string{"30"}, Restart: jobtable.RestartAlways, LogFile: filepath.Join(dir, "s.log")},
	}
	cfg := Config{
		ConfigPath:         filepath.Join(dir, "config.json"),
		StateFilePath:      statePath,
		PollInterval:       20 * time.Millisecond,
		WriteStateInterval: 20 * time.Millisecond,
	}
	s := New(cfg, jobs, silentLogger())

	done := make(chan int, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, err := snapshot.Read(statePath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := snapshot.Read(statePath)
	require.NoError(t, err)
	snap.StopRequested = true
	require.NoError(t, snapshot.Write(statePath, snap))

	select {
	case code := <-done:
		assert.Equal(t, ExitClean, code)
	case <-time.After(20 * time.Second):
		t.Fatal("supervisor did not exit after external stop request")
	}
}
