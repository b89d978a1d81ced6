package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocelotmarkets/botsup/internal/env"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

func TestStartWaitNaturalExit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")

	spec := jobtable.JobSpec{
		Name:    "echo-job",
		Program: "/bin/echo",
		Args:    []string{"hello"},
		LogFile: logPath,
	}

	h, err := Start(spec, env.New())
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)

	rec := h.Wait()
	assert.Equal(t, 0, rec.ExitCode)
	assert.Equal(t, CauseNaturalExit, rec.Cause)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestStartNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	spec := jobtable.JobSpec{
		Name:    "false-job",
		Program: "/bin/sh",
		Args:    []string{"-c", "exit 7"},
		LogFile: filepath.Join(dir, "job.log"),
	}

	h, err := Start(spec, env.New())
	require.NoError(t, err)
	rec := h.Wait()
	assert.Equal(t, 7, rec.ExitCode)
}

func TestRequestStopThenKill(t *testing.T) {
	dir := t.TempDir()
	spec := jobtable.JobSpec{
		Name:    "sleeper",
		Program: "/bin/sleep",
		Args:    []string{"30"},
		LogFile: filepath.Join(dir, "job.log"),
	}

	h, err := Start(spec, env.New())
	require.NoError(t, err)

	require.NoError(t, h.RequestStop())
	require.NoError(t, h.RequestStop()) // idempotent

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		require.NoError(t, h.Kill())
		<-h.Done()
	}
}
