// Package worker wraps one external child program as a supervised unit:
// spawn, route stdout/stderr to a rotating log, observe exit, and report
// a structured lifecycle event upstream without blocking the caller.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/ocelotmarkets/botsup/internal/env"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
	"github.com/ocelotmarkets/botsup/internal/logger"
)

// Cause classifies why a worker's Wait returned.
type Cause string

const (
	CauseNaturalExit      Cause = "natural-exit"
	CauseStopRequested    Cause = "stop-requested"
	CauseKilledAfterGrace Cause = "killed-after-grace"
)

// ExitRecord is returned by Wait once the child has exited.
type ExitRecord struct {
	ExitCode       int
	StartedAt      time.Time
	ExitedAt       time.Time
	PeakLogOffset  int64
	Cause          Cause
}

// Progress is a structured, non-blocking lifecycle tick forwarded by the
// log-routing goroutines on Handle.Progress; it never carries raw child
// output. Sends never block: a tick is dropped when the buffer is full.
// Neither the supervisor nor the daemon reads this channel.
type Progress struct {
	BytesWritten   int64
	LastLineAt     time.Time
}

// Handle is returned by Start. It exposes the child's pid and the
// channels used to observe and control it.
type Handle struct {
	Name string
	PID  int

	Progress <-chan Progress

	cmd         *exec.Cmd
	startedAt   time.Time
	mu          sync.Mutex
	stopAsked   bool
	killed      bool
	exitOnce    sync.Once
	exitRecord  ExitRecord
	exitReady   chan struct{}
}

// Start spawns spec's program as a child process. The overlay's values
// are merged onto the ambient environment via baseEnv; stdout/stderr are
// merged into one rotating log file in append mode. Start is
// non-blocking; the returned Handle already carries the child's pid.
func Start(spec jobtable.JobSpec, baseEnv *env.Env) (*Handle, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd

	overlay := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		overlay = append(overlay, k+"="+v)
	}
	if baseEnv == nil {
		baseEnv = env.New()
	}
	cmd.Env = baseEnv.Merge(overlay)

	logPath := spec.LogFile
	if logPath == "" {
		logPath = "logs/" + spec.Name + ".log"
	}
	writer := &lj.Logger{
		Filename:   logPath,
		MaxSize:    logger.DefaultMaxSizeMB,
		MaxBackups: logger.DefaultMaxBackups,
		MaxAge:     logger.DefaultMaxAgeDays,
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe for %s: %w", spec.Name, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stderr pipe for %s: %w", spec.Name, err)
	}

	configurePlatform(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", spec.Name, err)
	}

	progressCh := make(chan Progress, 8)
	var offset atomic.Int64

	h := &Handle{
		Name:      spec.Name,
		PID:       cmd.Process.Pid,
		Progress:  progressCh,
		cmd:       cmd,
		startedAt: time.Now(),
		exitReady: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go routeStream(stdoutPipe, writer, &offset, progressCh, &wg)
	go routeStream(stderrPipe, writer, &offset, progressCh, &wg)

	go func() {
		wg.Wait()
		_ = writer.Close()
		waitErr := cmd.Wait()
		h.finish(waitErr, offset.Load())
		close(progressCh)
	}()

	return h, nil
}

// routeStream copies one child stream into writer line by line, reporting
// byte-count and last-line-timestamp progress without ever forwarding raw
// output to the control loop.
func routeStream(r io.ReadCloser, w io.Writer, offset *atomic.Int64, progressCh chan<- Progress, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = r.Close() }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		n, _ := w.Write(append(append([]byte{}, line...), '\n'))
		total := offset.Add(int64(n))
		select {
		case progressCh <- Progress{BytesWritten: total, LastLineAt: time.Now()}:
		default:
		}
	}
}

func (h *Handle) finish(waitErr error, peakOffset int64) {
	h.exitOnce.Do(func() {
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		h.mu.Lock()
		cause := CauseNaturalExit
		if h.killed {
			cause = CauseKilledAfterGrace
		} else if h.stopAsked {
			cause = CauseStopRequested
		}
		h.mu.Unlock()

		h.exitRecord = ExitRecord{
			ExitCode:      code,
			StartedAt:     h.startedAt,
			ExitedAt:      time.Now(),
			PeakLogOffset: peakOffset,
			Cause:         cause,
		}
		close(h.exitReady)
	})
}

// Wait blocks until the child has exited and returns its exit record.
func (h *Handle) Wait() ExitRecord {
	<-h.exitReady
	return h.exitRecord
}

// Done reports whether the child has already exited, without blocking.
func (h *Handle) Done() <-chan struct{} {
	return h.exitReady
}

// RequestStop sends a platform-appropriate cooperative termination
// signal. It is idempotent.
func (h *Handle) RequestStop() error {
	h.mu.Lock()
	if h.stopAsked {
		h.mu.Unlock()
		return nil
	}
	h.stopAsked = true
	h.mu.Unlock()
	return requestStopPlatform(h.cmd)
}

// Kill forces immediate termination. The supervisor uses it after the
// shutdown grace window following RequestStop; the daemon uses it when a
// fire exceeds MaxRunSeconds.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return killPlatform(h.PID)
}
