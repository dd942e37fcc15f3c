package instance

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/models"
)

const (
	stdinQueueSize   = 64
	maxConsoleLine   = 64 * 1024
	gracefulStopWord = "stop"
)

// SpawnError is returned when the OS process for an instance could not be
// created. It is fatal to the attempted start; the instance returns to
// stopped.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn server process (%s): %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ErrConsoleClosed is returned when a console directive is sent after the
// process has exited or while its stdin queue is saturated.
type ErrConsoleClosed struct {
	InstanceID string
}

func (e *ErrConsoleClosed) Error() string {
	return fmt.Sprintf("console for instance %s is not accepting input", e.InstanceID)
}

// ExitStatus is the asynchronous exit report of a child process.
type ExitStatus struct {
	Code   int
	Forced bool
	Err    error
	At     time.Time
}

/*
	Proc is one live OS child process owned by an instance for the duration
	of a single run. Exit is always reported asynchronously on Exit();
	nothing here blocks a caller waiting for the process.
*/

type Proc interface {
	PID() int
	SendCommand(cmd string) error
	SendGracefulStop() error
	ForceTerminate()
	Exit() <-chan ExitStatus
	Tail(n int) []models.ConsoleLine
	LastConsoleAt() time.Time
}

// Spawner creates a Proc for an instance. The line callback receives every
// stdout/stderr line; it must not block.
type Spawner func(id string, cfg config.Instance, logger *slog.Logger, lineFn func(models.ConsoleLine)) (Proc, error)

type handle struct {
	id     string
	logger *slog.Logger

	cmd    *exec.Cmd
	pid    int
	stdin  chan string
	exitCh chan ExitStatus
	done   chan struct{}

	ring   *consoleRing
	lineFn func(models.ConsoleLine)
	pumps  sync.WaitGroup

	forced     atomic.Bool
	lastLineAt atomic.Int64
}

var _ Proc = &handle{}

// Spawn launches the server process for the given launch config. The working
// directory and jar are validated first so a misconfigured instance fails
// before an OS process exists.
func Spawn(id string, cfg config.Instance, logger *slog.Logger, lineFn func(models.ConsoleLine)) (Proc, error) {
	info, err := os.Stat(cfg.ServerDir)
	if err != nil || !info.IsDir() {
		return nil, &SpawnError{Path: cfg.ServerDir, Err: fmt.Errorf("server directory does not exist")}
	}

	jarFull := filepath.Join(cfg.ServerDir, cfg.JarPath)
	jarInfo, err := os.Stat(jarFull)
	if err != nil || jarInfo.IsDir() {
		return nil, &SpawnError{Path: jarFull, Err: fmt.Errorf("server jar does not exist")}
	}

	args := append([]string{}, cfg.JavaArgs...)
	args = append(args, "-jar", cfg.JarPath, "nogui")

	cmd := exec.Command(cfg.JavaBin, args...)
	cmd.Dir = cfg.ServerDir
	setProcessGroup(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: cfg.JavaBin, Err: err}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: cfg.JavaBin, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: cfg.JavaBin, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: cfg.JavaBin, Err: err}
	}

	h := &handle{
		id:     id,
		logger: logger.With("pid", cmd.Process.Pid),
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  make(chan string, stdinQueueSize),
		exitCh: make(chan ExitStatus, 1),
		done:   make(chan struct{}),
		ring:   newConsoleRing(config.ConsoleRingSize),
		lineFn: lineFn,
	}

	h.pumps.Add(2)
	go h.pumpLines(stdoutPipe, models.ConsoleStdout)
	go h.pumpLines(stderrPipe, models.ConsoleStderr)
	go h.pumpStdin(stdinPipe)
	go h.waitExit()

	h.logger.Info("server process spawned", "instance", id, "jar", cfg.JarPath)
	return h, nil
}

func (h *handle) PID() int {
	return h.pid
}

func (h *handle) Exit() <-chan ExitStatus {
	return h.exitCh
}

func (h *handle) Tail(n int) []models.ConsoleLine {
	return h.ring.Tail(n)
}

func (h *handle) LastConsoleAt() time.Time {
	nanos := h.lastLineAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// SendCommand queues a console directive for the stdin pump. A trailing
// newline is appended if missing.
func (h *handle) SendCommand(cmd string) error {
	if len(cmd) == 0 || cmd[len(cmd)-1] != '\n' {
		cmd += "\n"
	}

	select {
	case <-h.done:
		return &ErrConsoleClosed{InstanceID: h.id}
	default:
	}

	select {
	case h.stdin <- cmd:
		return nil
	default:
		return &ErrConsoleClosed{InstanceID: h.id}
	}
}

func (h *handle) SendGracefulStop() error {
	return h.SendCommand(gracefulStopWord)
}

// ForceTerminate hard-kills the process group. Used only after the graceful
// shutdown window has elapsed, or when escalating a startup failure.
func (h *handle) ForceTerminate() {
	select {
	case <-h.done:
		return
	default:
	}

	h.forced.Store(true)
	if err := killProcessGroup(h.pid); err != nil {
		h.logger.Warn("failed to kill process group, killing process directly", "error", err)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	}
	h.logger.Info("server process force terminated", "instance", h.id)
}

func (h *handle) pumpLines(r io.Reader, source models.ConsoleSource) {
	defer h.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxConsoleLine)

	for scanner.Scan() {
		line := models.ConsoleLine{
			InstanceID: h.id,
			Source:     source,
			Line:       scanner.Text(),
			Timestamp:  time.Now(),
		}
		h.lastLineAt.Store(line.Timestamp.UnixNano())
		h.ring.Append(line)
		if h.lineFn != nil {
			h.lineFn(line)
		}
	}
	// Pipe closed; the waiter reports the exit.
}

func (h *handle) pumpStdin(w io.WriteCloser) {
	writer := bufio.NewWriter(w)
	defer w.Close()

	for {
		select {
		case <-h.done:
			return
		case cmd := <-h.stdin:
			if _, err := writer.WriteString(cmd); err != nil {
				h.logger.Warn("failed to write console directive", "error", err)
				continue
			}
			if err := writer.Flush(); err != nil {
				h.logger.Warn("failed to flush console directive", "error", err)
			}
		}
	}
}

func (h *handle) waitExit() {
	// Wait closes the pipe read ends, so the line pumps must hit EOF first
	// or the server's final output (crash diagnostics included) is lost.
	h.pumps.Wait()
	err := h.cmd.Wait()
	close(h.done)

	status := ExitStatus{
		Code:   h.cmd.ProcessState.ExitCode(),
		Forced: h.forced.Load(),
		At:     time.Now(),
	}
	if err != nil {
		status.Err = err
	}

	h.logger.Info("server process exited", "instance", h.id, "code", status.Code, "forced", status.Forced)
	h.exitCh <- status
}
