package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/health"
	"github.com/mineguard/mineguard/models"
)

const mailboxSize = 128

// ErrMachineClosed is returned when a command reaches a machine whose run
// loop has already terminated (deleted instance, controller shutdown).
type ErrMachineClosed struct {
	InstanceID string
}

func (e *ErrMachineClosed) Error() string {
	return fmt.Sprintf("instance %s is closed", e.InstanceID)
}

// ErrOperationInProgress is returned for commands that conflict with an
// in-flight transition. Callers should wait for the transition's event and
// retry.
type ErrOperationInProgress struct {
	InstanceID string
	State      models.InstanceState
}

func (e *ErrOperationInProgress) Error() string {
	return fmt.Sprintf("instance %s has an operation in progress (%s)", e.InstanceID, e.State)
}

// ErrCrashNotAcknowledged is returned when a start is attempted on a crashed
// instance before the crash has been explicitly acknowledged.
type ErrCrashNotAcknowledged struct {
	InstanceID string
}

func (e *ErrCrashNotAcknowledged) Error() string {
	return fmt.Sprintf("instance %s crashed and requires acknowledgement before starting", e.InstanceID)
}

// Transition wraps one emitted lifecycle event with the context the
// supervisor needs for restart policy decisions. The embedded event is what
// external subscribers see.
type Transition struct {
	Event models.Event

	// StopCaused marks a crash whose active cause was an operator stop or
	// kill; automatic restart is suppressed for these.
	StopCaused bool

	// Parked marks a crashed instance requiring manual acknowledgement.
	Parked bool
}

type timerKind int

const (
	timerStartup timerKind = iota
	timerShutdown
)

// Mailbox messages. Everything that can touch machine state arrives as one
// of these; the run loop is the single writer.
type (
	commandMsg struct {
		cmd   models.Command
		reply chan error
	}
	autoRestartMsg struct{}
	parkMsg        struct{ reason string }
	exitMsg        struct {
		proc   Proc
		status ExitStatus
	}
	heartbeatMsg struct{ run uint64 }
	healthMsg    struct{ report health.Report }
	timerMsg     struct {
		kind timerKind
		gen  uint64
	}
	summaryMsg struct {
		reply chan models.InstanceSummary
	}
	consoleSendMsg struct {
		line  string
		reply chan error
	}
	consoleTailMsg struct {
		n     int
		reply chan []models.ConsoleLine
	}
	closeMsg struct {
		reply chan error
	}
)

/*
	Machine owns the full lifecycle of one instance. All commands, process
	events, health reports and timer fires are linearized through its
	mailbox; only the run loop goroutine reads or writes lifecycle state, so
	no transition is ever in flight concurrently with another.

	Timers are owned here, not by the process handle, so a startup or
	shutdown timeout always fires even if the child's I/O never returns.
*/

type Machine struct {
	id      string
	cfg     config.Instance
	logger  *slog.Logger
	spawner Spawner

	mailbox chan any
	closed  chan struct{}

	sink    chan<- Transition
	console func(models.ConsoleLine)

	createdAt time.Time

	// Everything below is owned by the run loop.
	state       models.InstanceState
	reason      string
	parked      bool
	stopCaused  bool
	crashOnExit string // pending crash reason for a force-terminated run

	proc       Proc
	runSeq     uint64
	monitor    *health.Monitor
	lastHealth *models.HealthSnapshot

	pendingStop    bool
	pendingRestart bool

	timerGen      uint64
	startupTimer  *time.Timer
	shutdownTimer *time.Timer

	closing    bool
	closeReply chan error
}

type MachineOptions struct {
	Spawner Spawner                  // defaults to Spawn
	Console func(models.ConsoleLine) // best-effort console fan-out, must not block
}

func NewMachine(id string, cfg config.Instance, logger *slog.Logger, sink chan<- Transition, opts MachineOptions) *Machine {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = Spawn
	}

	m := &Machine{
		id:        id,
		cfg:       cfg,
		logger:    logger.With("instance", id, "name", cfg.Name),
		spawner:   spawner,
		mailbox:   make(chan any, mailboxSize),
		closed:    make(chan struct{}),
		sink:      sink,
		console:   opts.Console,
		createdAt: time.Now(),
		state:     models.StateStopped,
	}

	go m.run()
	return m
}

func (m *Machine) ID() string {
	return m.id
}

func (m *Machine) Config() config.Instance {
	return m.cfg
}

// Command executes one command against the instance, waiting for the state
// machine's acceptance or rejection. Acceptance means the transition is in
// flight, not that it has completed; completion arrives as an event.
func (m *Machine) Command(ctx context.Context, cmd models.Command) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, commandMsg{cmd: cmd, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return &ErrMachineClosed{InstanceID: m.id}
	}
}

// AutoRestart is the supervisor's internal restart path for a crashed
// instance. It is ignored if the instance has moved on or been acknowledged.
func (m *Machine) AutoRestart() {
	_ = m.post(context.Background(), autoRestartMsg{})
}

// Park marks a crashed instance as requiring manual intervention (restart
// policy exhausted or disabled).
func (m *Machine) Park(reason string) {
	_ = m.post(context.Background(), parkMsg{reason: reason})
}

func (m *Machine) Summary() models.InstanceSummary {
	reply := make(chan models.InstanceSummary, 1)
	if err := m.post(context.Background(), summaryMsg{reply: reply}); err != nil {
		return models.InstanceSummary{ID: m.id, Name: m.cfg.Name, State: models.StateStopped, CreatedAt: m.createdAt}
	}
	select {
	case s := <-reply:
		return s
	case <-m.closed:
		return models.InstanceSummary{ID: m.id, Name: m.cfg.Name, State: models.StateStopped, CreatedAt: m.createdAt}
	}
}

// SendConsole writes one directive to the server console.
func (m *Machine) SendConsole(ctx context.Context, line string) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, consoleSendMsg{line: line, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return &ErrMachineClosed{InstanceID: m.id}
	}
}

// ConsoleTail returns up to n of the most recent console lines of the
// current run. A stopped instance has no console.
func (m *Machine) ConsoleTail(n int) []models.ConsoleLine {
	reply := make(chan []models.ConsoleLine, 1)
	if err := m.post(context.Background(), consoleTailMsg{n: n, reply: reply}); err != nil {
		return nil
	}
	select {
	case lines := <-reply:
		return lines
	case <-m.closed:
		return nil
	}
}

// Close stops the instance (gracefully, escalating on timeout) and
// terminates the run loop. The machine accepts no commands afterwards.
func (m *Machine) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, closeMsg{reply: reply}); err != nil {
		return nil // already closed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) post(ctx context.Context, msg any) error {
	select {
	case <-m.closed:
		return &ErrMachineClosed{InstanceID: m.id}
	default:
	}
	select {
	case m.mailbox <- msg:
		return nil
	case <-m.closed:
		return &ErrMachineClosed{InstanceID: m.id}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Run loop

func (m *Machine) run() {
	defer close(m.closed)

	for raw := range m.mailbox {
		switch msg := raw.(type) {
		case commandMsg:
			msg.reply <- m.handleCommand(msg.cmd)
		case autoRestartMsg:
			m.handleAutoRestart()
		case parkMsg:
			m.handlePark(msg.reason)
		case exitMsg:
			m.handleExit(msg)
		case heartbeatMsg:
			m.handleHeartbeat(msg)
		case healthMsg:
			m.handleHealth(msg.report)
		case timerMsg:
			m.handleTimer(msg)
		case summaryMsg:
			msg.reply <- m.summaryLocked()
		case consoleSendMsg:
			msg.reply <- m.handleConsoleSend(msg.line)
		case consoleTailMsg:
			if m.proc != nil {
				msg.reply <- m.proc.Tail(msg.n)
			} else {
				msg.reply <- nil
			}
		case closeMsg:
			if m.handleClose(msg) {
				return
			}
		}

		if m.closing && !m.state.Active() {
			m.finishClose()
			return
		}
	}
}

func (m *Machine) handleCommand(cmd models.Command) error {
	switch cmd.Kind {
	case models.CommandStart:
		return m.handleStart()
	case models.CommandStop:
		return m.handleStop(cmd.Graceful)
	case models.CommandKill:
		return m.handleStop(false)
	case models.CommandRestart:
		return m.handleRestart()
	case models.CommandAcknowledge:
		return m.handleAcknowledge()
	default:
		return fmt.Errorf("unknown command kind: %s", cmd.Kind)
	}
}

func (m *Machine) handleStart() error {
	switch m.state {
	case models.StateStopped:
		return m.doStart()
	case models.StateStarting, models.StateRunning:
		// Benign re-issue of the in-flight or settled intent.
		return nil
	case models.StateCrashed:
		return &ErrCrashNotAcknowledged{InstanceID: m.id}
	default:
		return &ErrOperationInProgress{InstanceID: m.id, State: m.state}
	}
}

func (m *Machine) handleStop(graceful bool) error {
	switch m.state {
	case models.StateRunning:
		m.doStop(graceful)
		return nil
	case models.StateStarting, models.StateRestarting:
		// A stop during startup never aborts a partially spawned process
		// ungracefully; it is queued and applied once the start settles.
		if graceful {
			m.pendingStop = true
			m.logger.Info("stop queued until startup settles")
			return nil
		}
		// A kill is immediate regardless of phase.
		m.doKill()
		return nil
	case models.StateStopping:
		if !graceful && m.proc != nil {
			m.doKill()
		}
		return nil
	case models.StateStopped, models.StateCrashed:
		// Idempotent: the instance is already not running.
		return nil
	default:
		return &ErrOperationInProgress{InstanceID: m.id, State: m.state}
	}
}

func (m *Machine) handleRestart() error {
	switch m.state {
	case models.StateRunning:
		m.pendingRestart = true
		m.doStop(true)
		return nil
	case models.StateStopped:
		return m.doStart()
	case models.StateCrashed:
		return &ErrCrashNotAcknowledged{InstanceID: m.id}
	default:
		return &ErrOperationInProgress{InstanceID: m.id, State: m.state}
	}
}

func (m *Machine) handleAcknowledge() error {
	if m.state != models.StateCrashed {
		return nil
	}
	m.parked = false
	m.stopCaused = false
	m.transition(models.StateStopped, "crash acknowledged")
	return nil
}

func (m *Machine) handleAutoRestart() {
	if m.state != models.StateCrashed || m.parked || m.closing {
		return
	}
	m.transition(models.StateRestarting, "automatic restart")
	if err := m.doStart(); err != nil {
		// Spawn failed during an automatic restart; count it as a crash so
		// the policy can decide whether to retry again.
		m.parked = !m.cfg.Restart.Enabled
		m.transition(models.StateCrashed, err.Error())
	}
}

func (m *Machine) handlePark(reason string) {
	if m.state != models.StateCrashed {
		return
	}
	m.parked = true
	m.reason = reason
	m.logger.Warn("instance parked, manual acknowledgement required", "reason", reason)
}

func (m *Machine) doStart() error {
	m.stopCaused = false
	m.crashOnExit = ""
	m.pendingStop = false
	m.pendingRestart = false
	m.transition(models.StateStarting, "")

	m.runSeq++
	run := m.runSeq
	proc, err := m.spawner(m.id, m.cfg, m.logger, func(line models.ConsoleLine) {
		m.onConsoleLine(run, line)
	})
	if err != nil {
		m.logger.Error("spawn failed", "error", err)
		m.transition(models.StateStopped, err.Error())
		return err
	}

	m.proc = proc
	m.armTimer(timerStartup, m.cfg.Timeouts.Startup)
	go m.watchExit(proc)
	return nil
}

func (m *Machine) doStop(graceful bool) {
	m.stopCaused = true
	m.transition(models.StateStopping, "")

	if !graceful {
		m.proc.ForceTerminate()
	} else if err := m.proc.SendGracefulStop(); err != nil {
		m.logger.Warn("graceful stop directive failed, escalating", "error", err)
		m.proc.ForceTerminate()
	}

	m.armTimer(timerShutdown, m.cfg.Timeouts.Shutdown)
}

// doKill force-terminates whatever is running and routes the exit to
// stopped rather than crashed.
func (m *Machine) doKill() {
	m.stopCaused = true
	m.crashOnExit = ""
	if m.state != models.StateStopping {
		m.transition(models.StateStopping, "force kill")
	}
	m.proc.ForceTerminate()
	m.armTimer(timerShutdown, m.cfg.Timeouts.Shutdown)
}

func (m *Machine) handleHeartbeat(msg heartbeatMsg) {
	if msg.run != m.runSeq || m.state != models.StateStarting {
		return
	}

	m.disarmTimers()
	m.transition(models.StateRunning, "")
	m.startMonitor()

	if m.pendingStop || m.closing {
		m.pendingStop = false
		m.doStop(true)
	}
}

func (m *Machine) handleHealth(report health.Report) {
	if m.state != models.StateRunning {
		return
	}

	snapshot := report.Snapshot
	m.lastHealth = &snapshot

	if report.Unresponsive {
		m.logger.Error("instance unresponsive, treating as crash")
		m.crashOnExit = "unresponsive"
		m.proc.ForceTerminate()
	}
}

func (m *Machine) handleTimer(msg timerMsg) {
	if msg.gen != m.timerGen {
		return // stale fire from a superseded run
	}

	switch msg.kind {
	case timerStartup:
		if m.state != models.StateStarting {
			return
		}
		m.logger.Error("startup timeout, force terminating")
		m.parked = !m.cfg.Restart.Enabled
		m.transition(models.StateCrashed, "startup timeout")
		m.proc.ForceTerminate()

	case timerShutdown:
		if m.state != models.StateStopping {
			return
		}
		m.logger.Error("shutdown timeout, force terminating")
		// The stop command was the active cause; never auto-restart out of
		// a failed stop.
		m.parked = true
		m.transition(models.StateCrashed, "shutdown timeout")
		m.proc.ForceTerminate()
	}
}

func (m *Machine) handleExit(msg exitMsg) {
	if msg.proc != m.proc {
		return // exit of a superseded run, already reaped
	}

	m.disarmTimers()
	m.stopMonitor()
	m.proc = nil
	status := msg.status

	switch m.state {
	case models.StateStopping:
		m.transition(models.StateStopped, "")
		if m.pendingRestart && !m.closing {
			m.pendingRestart = false
			if err := m.doStart(); err != nil {
				m.logger.Error("restart spawn failed", "error", err)
			}
		}

	case models.StateStarting:
		if m.stopCaused {
			m.transition(models.StateStopped, "killed during startup")
			return
		}
		m.parked = !m.cfg.Restart.Enabled
		m.transition(models.StateCrashed, exitReason(status))

	case models.StateRunning:
		if m.crashOnExit != "" {
			m.parked = !m.cfg.Restart.Enabled
			m.transition(models.StateCrashed, m.crashOnExit)
			m.crashOnExit = ""
			return
		}
		if m.stopCaused {
			m.transition(models.StateStopped, "killed")
			return
		}
		m.parked = !m.cfg.Restart.Enabled
		m.transition(models.StateCrashed, exitReason(status))

	case models.StateCrashed:
		// Already transitioned on a timeout path; this is just the reap.
		m.logger.Debug("reaped process for crashed instance", "code", status.Code)
	}
}

func (m *Machine) handleConsoleSend(line string) error {
	if m.state != models.StateRunning && m.state != models.StateStopping {
		return &ErrOperationInProgress{InstanceID: m.id, State: m.state}
	}
	return m.proc.SendCommand(line)
}

func (m *Machine) handleClose(msg closeMsg) (done bool) {
	m.closing = true
	m.closeReply = msg.reply

	switch m.state {
	case models.StateRunning:
		m.doStop(true)
	case models.StateStarting, models.StateRestarting:
		m.pendingStop = true
	case models.StateStopping:
		// already on the way down
	default:
		m.finishClose()
		return true
	}
	return false
}

func (m *Machine) finishClose() {
	if m.proc != nil {
		m.proc.ForceTerminate()
		m.proc = nil
	}
	m.stopMonitor()
	m.disarmTimers()
	if m.closeReply != nil {
		m.closeReply <- nil
		m.closeReply = nil
	}
	m.logger.Info("instance closed", "state", m.state)
}

// ---------------------------------------------------------------------------
// Helpers (run loop only)

func (m *Machine) transition(to models.InstanceState, reason string) {
	m.transitionFrom(m.state, to, reason)
}

func (m *Machine) transitionFrom(from, to models.InstanceState, reason string) {
	m.state = to
	m.reason = reason
	if to != models.StateRunning {
		m.lastHealth = nil
	}

	m.logger.Info("state transition", "from", from, "to", to, "reason", reason)

	m.sink <- Transition{
		Event: models.Event{
			ID:         uuid.New().String(),
			InstanceID: m.id,
			Previous:   from,
			Current:    to,
			Timestamp:  time.Now(),
			Reason:     reason,
		},
		StopCaused: m.stopCaused,
		Parked:     m.parked,
	}
}

func (m *Machine) armTimer(kind timerKind, d time.Duration) {
	m.timerGen++
	gen := m.timerGen

	timer := time.AfterFunc(d, func() {
		_ = m.post(context.Background(), timerMsg{kind: kind, gen: gen})
	})

	switch kind {
	case timerStartup:
		m.startupTimer = timer
	case timerShutdown:
		m.shutdownTimer = timer
	}
}

func (m *Machine) disarmTimers() {
	m.timerGen++
	if m.startupTimer != nil {
		m.startupTimer.Stop()
		m.startupTimer = nil
	}
	if m.shutdownTimer != nil {
		m.shutdownTimer.Stop()
		m.shutdownTimer = nil
	}
}

func (m *Machine) startMonitor() {
	if m.proc == nil {
		return
	}
	proc := m.proc
	m.monitor = health.NewMonitor(health.Config{
		InstanceID:     m.id,
		PID:            proc.PID(),
		Interval:       m.cfg.Health.Interval,
		StaleThreshold: m.cfg.Health.StaleThreshold,
		Logger:         m.logger.WithGroup("health"),
		LastConsoleAt:  proc.LastConsoleAt,
		Report: func(r health.Report) {
			_ = m.post(context.Background(), healthMsg{report: r})
		},
	})
	m.monitor.Start()
}

func (m *Machine) stopMonitor() {
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
}

func (m *Machine) watchExit(proc Proc) {
	status := <-proc.Exit()
	_ = m.post(context.Background(), exitMsg{proc: proc, status: status})
}

// onConsoleLine runs on the handle's pump goroutines. It forwards the line
// best-effort and turns the vanilla "Done" message into the startup
// heartbeat.
func (m *Machine) onConsoleLine(run uint64, line models.ConsoleLine) {
	if m.console != nil {
		m.console(line)
	}
	if line.Source == models.ConsoleStdout && IsStartupComplete(line.Line) {
		_ = m.post(context.Background(), heartbeatMsg{run: run})
	}
}

func (m *Machine) summaryLocked() models.InstanceSummary {
	summary := models.InstanceSummary{
		ID:        m.id,
		Name:      m.cfg.Name,
		State:     m.state,
		Reason:    m.reason,
		Parked:    m.parked,
		CreatedAt: m.createdAt,
	}
	if m.proc != nil {
		summary.PID = m.proc.PID()
	}
	if m.lastHealth != nil {
		snapshot := *m.lastHealth
		summary.Health = &snapshot
	}
	return summary
}

func exitReason(status ExitStatus) string {
	if status.Forced {
		return "force terminated"
	}
	return fmt.Sprintf("exit status %d", status.Code)
}
