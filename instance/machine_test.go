package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/health"
	"github.com/mineguard/mineguard/models"
)

const doneLine = `[12:34:56] [Server thread/INFO]: Done (9.512s)! For help, type "help"`

type fakeProc struct {
	pid    int
	exitCh chan ExitStatus

	mu      sync.Mutex
	sent    []string
	forced  bool
	stopErr error
}

var _ Proc = &fakeProc{}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) SendCommand(cmd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, cmd)
	return nil
}

func (p *fakeProc) SendGracefulStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopErr != nil {
		return p.stopErr
	}
	p.sent = append(p.sent, gracefulStopWord)
	return nil
}

func (p *fakeProc) ForceTerminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = true
}

func (p *fakeProc) Exit() <-chan ExitStatus         { return p.exitCh }
func (p *fakeProc) Tail(n int) []models.ConsoleLine { return nil }
func (p *fakeProc) LastConsoleAt() time.Time        { return time.Time{} }

func (p *fakeProc) wasForced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

func (p *fakeProc) sentCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// exit simulates the child process terminating with the given code.
func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	forced := p.forced
	p.mu.Unlock()
	p.exitCh <- ExitStatus{Code: code, Forced: forced, At: time.Now()}
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProc
	lines []func(models.ConsoleLine)
}

func (s *fakeSpawner) spawn(id string, cfg config.Instance, logger *slog.Logger, lineFn func(models.ConsoleLine)) (Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProc{
		pid:    4000 + len(s.procs),
		exitCh: make(chan ExitStatus, 1),
	}
	s.procs = append(s.procs, p)
	s.lines = append(s.lines, lineFn)
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) emit(i int, line string) {
	s.mu.Lock()
	lineFn := s.lines[i]
	s.mu.Unlock()
	lineFn(models.ConsoleLine{
		InstanceID: "inst-1",
		Source:     models.ConsoleStdout,
		Line:       line,
		Timestamp:  time.Now(),
	})
}

func newTestMachine(t *testing.T, mutate func(*config.Instance)) (*Machine, *fakeSpawner, chan Transition) {
	t.Helper()

	cfg := config.Instance{
		Name:      "alpha",
		ServerDir: t.TempDir(),
		JarPath:   "server.jar",
		JavaBin:   "java",
		Timeouts: config.Timeouts{
			Startup:  500 * time.Millisecond,
			Shutdown: 500 * time.Millisecond,
		},
		Health: config.Health{
			Interval:       time.Hour, // keep the monitor quiet during tests
			StaleThreshold: 3,
		},
		Restart: config.Restart{
			Enabled:     false,
			MaxRetries:  1,
			BackoffBase: time.Millisecond,
			BackoffCap:  time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sink := make(chan Transition, 64)
	sp := &fakeSpawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewMachine("inst-1", cfg, logger, sink, MachineOptions{Spawner: sp.spawn})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, sp, sink
}

func waitState(t *testing.T, sink <-chan Transition, want models.InstanceState) Transition {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-sink:
			if tr.Event.Current == want {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
			return Transition{}
		}
	}
}

func startCmd() models.Command {
	return models.Command{Kind: models.CommandStart}
}

func stopCmd(graceful bool) models.Command {
	return models.Command{Kind: models.CommandStop, Graceful: graceful}
}

func TestMachine_StartToRunningAndGracefulStop(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)

	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	summary := m.Summary()
	assert.Equal(t, models.StateRunning, summary.State)
	assert.Equal(t, 4000, summary.PID)

	require.NoError(t, m.Command(ctx, stopCmd(true)))
	waitState(t, sink, models.StateStopping)
	assert.Contains(t, sp.proc(0).sentCommands(), gracefulStopWord)

	sp.proc(0).exit(0)
	tr := waitState(t, sink, models.StateStopped)
	assert.True(t, tr.StopCaused)
	assert.False(t, tr.Parked)
}

func TestMachine_StartupTimeout(t *testing.T) {
	m, sp, sink := newTestMachine(t, func(cfg *config.Instance) {
		cfg.Timeouts.Startup = 50 * time.Millisecond
	})

	require.NoError(t, m.Command(context.Background(), startCmd()))
	waitState(t, sink, models.StateStarting)

	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "startup timeout", tr.Event.Reason)
	assert.True(t, tr.Parked) // restarts disabled in this config
	assert.True(t, sp.proc(0).wasForced())

	sp.proc(0).exit(137)
	assert.Equal(t, models.StateCrashed, m.Summary().State)
}

func TestMachine_CrashRequiresAcknowledgement(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)

	sp.proc(0).exit(1)
	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "exit status 1", tr.Event.Reason)

	err := m.Command(ctx, startCmd())
	var notAcked *ErrCrashNotAcknowledged
	require.True(t, errors.As(err, &notAcked))

	err = m.Command(ctx, models.Command{Kind: models.CommandRestart})
	require.True(t, errors.As(err, &notAcked))

	require.NoError(t, m.Command(ctx, models.Command{Kind: models.CommandAcknowledge}))
	tr = waitState(t, sink, models.StateStopped)
	assert.Equal(t, "crash acknowledged", tr.Event.Reason)

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)
	assert.Equal(t, 2, sp.spawnCount())
}

func TestMachine_UnexpectedExitWhileRunning(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)

	require.NoError(t, m.Command(context.Background(), startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	sp.proc(0).exit(3)
	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "exit status 3", tr.Event.Reason)
	assert.False(t, tr.StopCaused)
}

func TestMachine_StopQueuedDuringStartup(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)

	// A graceful stop during startup must not abort the spawn.
	require.NoError(t, m.Command(ctx, stopCmd(true)))
	assert.Equal(t, models.StateStarting, m.Summary().State)
	assert.False(t, sp.proc(0).wasForced())

	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)
	waitState(t, sink, models.StateStopping)
	assert.Contains(t, sp.proc(0).sentCommands(), gracefulStopWord)

	sp.proc(0).exit(0)
	waitState(t, sink, models.StateStopped)
}

func TestMachine_KillDuringStartupIsImmediate(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)

	require.NoError(t, m.Command(ctx, models.Command{Kind: models.CommandKill}))
	waitState(t, sink, models.StateStopping)
	assert.True(t, sp.proc(0).wasForced())

	sp.proc(0).exit(137)
	tr := waitState(t, sink, models.StateStopped)
	assert.True(t, tr.StopCaused)
}

func TestMachine_ShutdownTimeoutParks(t *testing.T) {
	m, sp, sink := newTestMachine(t, func(cfg *config.Instance) {
		cfg.Timeouts.Shutdown = 50 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	require.NoError(t, m.Command(ctx, stopCmd(true)))
	waitState(t, sink, models.StateStopping)

	// The process ignores the stop directive and never exits in time.
	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "shutdown timeout", tr.Event.Reason)
	assert.True(t, tr.Parked)
	assert.True(t, sp.proc(0).wasForced())
}

func TestMachine_RestartWhileRunning(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	require.NoError(t, m.Command(ctx, models.Command{Kind: models.CommandRestart}))
	waitState(t, sink, models.StateStopping)

	sp.proc(0).exit(0)
	waitState(t, sink, models.StateStopped)
	waitState(t, sink, models.StateStarting)
	require.Equal(t, 2, sp.spawnCount())

	sp.emit(1, doneLine)
	waitState(t, sink, models.StateRunning)
}

func TestMachine_SpawnFailureReturnsToStopped(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	sp.err = &SpawnError{Path: "java", Err: fmt.Errorf("executable not found")}

	err := m.Command(context.Background(), startCmd())
	require.Error(t, err)
	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr))

	waitState(t, sink, models.StateStarting)
	waitState(t, sink, models.StateStopped)
}

func TestMachine_IdempotentCommands(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	// Stop on a stopped instance is a no-op.
	require.NoError(t, m.Command(ctx, stopCmd(true)))

	require.NoError(t, m.Command(ctx, startCmd()))
	waitState(t, sink, models.StateStarting)

	// Start while starting is benign.
	require.NoError(t, m.Command(ctx, startCmd()))

	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)
	require.NoError(t, m.Command(ctx, startCmd()))
	require.Equal(t, 1, sp.spawnCount())
}

func TestMachine_ConsoleSend(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	err := m.SendConsole(ctx, "say hello")
	var inProgress *ErrOperationInProgress
	require.True(t, errors.As(err, &inProgress))

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	require.NoError(t, m.SendConsole(ctx, "say hello"))
	assert.Contains(t, sp.proc(0).sentCommands(), "say hello")
}

func TestMachine_UnresponsiveTreatedAsCrash(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	require.NoError(t, m.post(ctx, healthMsg{report: health.Report{Unresponsive: true}}))
	assert.Eventually(t, sp.proc(0).wasForced, 2*time.Second, 10*time.Millisecond)

	sp.proc(0).exit(137)
	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "unresponsive", tr.Event.Reason)
}

func TestMachine_Close(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	closeErr := make(chan error, 1)
	go func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closeErr <- m.Close(closeCtx)
	}()

	waitState(t, sink, models.StateStopping)
	sp.proc(0).exit(0)
	require.NoError(t, <-closeErr)

	err := m.Command(ctx, startCmd())
	var closed *ErrMachineClosed
	assert.True(t, errors.As(err, &closed))
}

func TestMachine_StopAfterFailedRestartStaysStopped(t *testing.T) {
	m, sp, sink := newTestMachine(t, func(cfg *config.Instance) {
		cfg.Timeouts.Shutdown = 50 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(0, doneLine)
	waitState(t, sink, models.StateRunning)

	// The stopping phase of a restart overruns its shutdown window.
	require.NoError(t, m.Command(ctx, models.Command{Kind: models.CommandRestart}))
	waitState(t, sink, models.StateStopping)
	tr := waitState(t, sink, models.StateCrashed)
	assert.Equal(t, "shutdown timeout", tr.Event.Reason)
	assert.True(t, tr.Parked)
	sp.proc(0).exit(137)

	require.NoError(t, m.Command(ctx, models.Command{Kind: models.CommandAcknowledge}))
	waitState(t, sink, models.StateStopped)

	require.NoError(t, m.Command(ctx, startCmd()))
	sp.emit(1, doneLine)
	waitState(t, sink, models.StateRunning)

	// A plain stop must settle in stopped; the abandoned restart intent
	// must not respawn the instance.
	require.NoError(t, m.Command(ctx, stopCmd(true)))
	waitState(t, sink, models.StateStopping)
	sp.proc(1).exit(0)
	waitState(t, sink, models.StateStopped)

	select {
	case tr := <-sink:
		t.Fatalf("unexpected transition to %s after stop", tr.Event.Current)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, sp.spawnCount())
}

func collectUntil(t *testing.T, sink <-chan Transition, want models.InstanceState) []models.Event {
	t.Helper()
	var events []models.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-sink:
			events = append(events, tr.Event)
			if tr.Event.Current == want {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out collecting events up to %s", want)
			return nil
		}
	}
}

func TestMachine_ConcurrentCommandsSerialize(t *testing.T) {
	m, sp, sink := newTestMachine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Command(ctx, startCmd()))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Command(ctx, stopCmd(true)))
	}()
	wg.Wait()

	// Whichever order the mailbox chose, exactly one run is under way.
	require.Equal(t, 1, sp.spawnCount())
	sp.emit(0, doneLine)
	events := collectUntil(t, sink, models.StateRunning)

	// If the stop lost the race outright it was an idempotent no-op against
	// a stopped instance, so the run keeps going; stop it now.
	time.Sleep(50 * time.Millisecond)
	if m.Summary().State == models.StateRunning {
		require.NoError(t, m.Command(ctx, stopCmd(true)))
	}

	events = append(events, collectUntil(t, sink, models.StateStopping)...)
	sp.proc(0).exit(0)
	events = append(events, collectUntil(t, sink, models.StateStopped)...)

	// Transitions form an unbroken chain: each one begins from the state
	// the previous one ended in, never interleaved.
	require.NotEmpty(t, events)
	assert.Equal(t, models.StateStopped, events[0].Previous)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Current, events[i].Previous)
	}
}
