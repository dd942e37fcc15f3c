package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/instance"
	"github.com/mineguard/mineguard/models"
	"github.com/mineguard/mineguard/store"
)

const defaultSubscriberBuffer = 256

/*
	Registry is the single authoritative owner of all instance entries. It
	routes commands to the right state machine, multiplexes every machine's
	transitions into one outward event feed, and enforces restart policy:
	crashes are retried with exponential backoff until the policy is
	exhausted, at which point the instance is parked for manual
	intervention.

	Commands targeting one instance are serialized by that instance's
	mailbox; commands targeting different instances proceed independently.
	The instance map itself is the only structure mutated from multiple call
	paths, guarded for create/delete against concurrent list/command.
*/

type Config struct {
	Logger     *slog.Logger
	Controller *config.Controller
	Store      *store.Store     // optional persistence collaborator
	Spawner    instance.Spawner // overridable for tests

	// SubscriberBuffer bounds each subscriber's event queue; overflow drops
	// the oldest event. Observability only, never control.
	SubscriberBuffer int
}

type entry struct {
	machine *instance.Machine
}

type Registry struct {
	logger     *slog.Logger
	controller *config.Controller
	store      *store.Store
	spawner    instance.Spawner
	subBuffer  int

	mu        sync.RWMutex
	instances map[string]*entry
	names     map[string]string
	draining  bool

	transitions chan instance.Transition

	subsMu      sync.RWMutex
	subs        map[*Subscriber]struct{}
	consoleSubs map[*ConsoleSubscriber]struct{}

	// Event-loop owned restart bookkeeping.
	retries map[string]int

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Registry {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}

	r := &Registry{
		logger:      cfg.Logger.WithGroup("registry"),
		controller:  cfg.Controller,
		store:       cfg.Store,
		spawner:     cfg.Spawner,
		subBuffer:   cfg.SubscriberBuffer,
		instances:   make(map[string]*entry),
		names:       make(map[string]string),
		transitions: make(chan instance.Transition, 1024),
		subs:        make(map[*Subscriber]struct{}),
		consoleSubs: make(map[*ConsoleSubscriber]struct{}),
		retries:     make(map[string]int),
		timers:      make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}

	go r.eventLoop()
	return r
}

// Create registers a new instance from its launch config and returns its ID.
// The instance starts out stopped.
func (r *Registry) Create(inst config.Instance) (string, error) {
	if err := r.controller.ValidateInstance(&inst); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return "", &ErrShuttingDown{}
	}
	if _, exists := r.names[inst.Name]; exists {
		return "", &ErrAlreadyExists{Name: inst.Name}
	}

	if inst.AcceptEULA {
		if err := instance.AcceptEULA(inst.ServerDir); err != nil {
			return "", errors.Wrap(err, "failed to accept EULA")
		}
	}

	id := uuid.New().String()

	if r.store != nil {
		if err := r.store.SaveDefinition(id, inst); err != nil {
			return "", errors.Wrap(err, "failed to persist instance definition")
		}
	}

	r.attach(id, inst)
	r.logger.Info("instance created", "id", id, "name", inst.Name)
	return id, nil
}

// Restore re-registers a persisted instance under its original ID. Used at
// controller boot; restored instances come back stopped.
func (r *Registry) Restore(id string, inst config.Instance) error {
	if err := r.controller.ValidateInstance(&inst); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[inst.Name]; exists {
		return &ErrAlreadyExists{Name: inst.Name}
	}

	r.attach(id, inst)
	r.logger.Info("instance restored", "id", id, "name", inst.Name)
	return nil
}

// attach requires r.mu held.
func (r *Registry) attach(id string, inst config.Instance) {
	machine := instance.NewMachine(id, inst, r.logger, r.transitions, instance.MachineOptions{
		Spawner: r.spawner,
		Console: r.fanoutConsole,
	})
	r.instances[id] = &entry{machine: machine}
	r.names[inst.Name] = id
}

// Command routes one command to the target instance's state machine.
func (r *Registry) Command(ctx context.Context, id string, cmd models.Command) error {
	machine, err := r.machine(id)
	if err != nil {
		return err
	}
	return r.translate(id, machine.Command(ctx, cmd))
}

func (r *Registry) Get(id string) (models.InstanceSummary, error) {
	machine, err := r.machine(id)
	if err != nil {
		return models.InstanceSummary{}, err
	}
	return machine.Summary(), nil
}

// Resolve maps an instance name to its ID.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}

func (r *Registry) List() []models.InstanceSummary {
	r.mu.RLock()
	machines := make([]*instance.Machine, 0, len(r.instances))
	for _, e := range r.instances {
		machines = append(machines, e.machine)
	}
	r.mu.RUnlock()

	summaries := make([]models.InstanceSummary, 0, len(machines))
	for _, m := range machines {
		summaries = append(summaries, m.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

// Delete removes a non-active instance. Its process handle, if any remains
// from a crash, is fully reaped before the entry disappears; subsequent
// commands return not found.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return &ErrNotFound{ID: id}
	}

	summary := e.machine.Summary()
	if summary.State.Active() {
		r.mu.Unlock()
		return &ErrInstanceActive{ID: id, State: summary.State}
	}

	delete(r.instances, id)
	delete(r.names, summary.Name)
	r.mu.Unlock()

	r.cancelRestartTimer(id)

	if err := e.machine.Close(ctx); err != nil {
		r.logger.Warn("error closing machine during delete", "id", id, "error", err)
	}

	if r.store != nil {
		if err := r.store.DeleteDefinition(id); err != nil {
			r.logger.Warn("failed to delete persisted definition", "id", id, "error", err)
		}
	}

	r.logger.Info("instance deleted", "id", id, "name", summary.Name)
	return nil
}

func (r *Registry) SendConsole(ctx context.Context, id string, line string) error {
	machine, err := r.machine(id)
	if err != nil {
		return err
	}
	return r.translate(id, machine.SendConsole(ctx, line))
}

func (r *Registry) ConsoleTail(id string, n int) ([]models.ConsoleLine, error) {
	machine, err := r.machine(id)
	if err != nil {
		return nil, err
	}
	return machine.ConsoleTail(n), nil
}

// Shutdown gracefully stops every instance, escalating per-instance on its
// shutdown timeout, then terminates the registry. No process handle is left
// orphaned on any path.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	machines := make([]*instance.Machine, 0, len(r.instances))
	for _, e := range r.instances {
		machines = append(machines, e.machine)
	}
	r.mu.Unlock()

	r.timersMu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.timersMu.Unlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *instance.Machine) {
			defer wg.Done()
			if err := m.Close(ctx); err != nil {
				r.logger.Warn("error closing instance during shutdown", "id", m.ID(), "error", err)
			}
		}(m)
	}
	wg.Wait()

	r.doneOnce.Do(func() { close(r.done) })
	r.logger.Info("registry shut down", "instances", len(machines))
}

func (r *Registry) machine(id string) (*instance.Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.instances[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return e.machine, nil
}

// translate maps a closed-machine error (deleted meanwhile) to not found so
// callers never act on a stale entry.
func (r *Registry) translate(id string, err error) error {
	if err == nil {
		return nil
	}
	var closed *instance.ErrMachineClosed
	if errors.As(err, &closed) {
		return &ErrNotFound{ID: id}
	}
	return err
}

// ---------------------------------------------------------------------------
// Event loop: persistence, restart policy, fan-out.

func (r *Registry) eventLoop() {
	for {
		select {
		case <-r.done:
			// Drain whatever the closing machines still emit.
			for {
				select {
				case tr := <-r.transitions:
					r.persistState(tr)
					r.fanoutEvent(tr.Event)
				default:
					return
				}
			}
		case tr := <-r.transitions:
			r.handleTransition(tr)
		}
	}
}

func (r *Registry) handleTransition(tr instance.Transition) {
	r.persistState(tr)

	switch tr.Event.Current {
	case models.StateRunning:
		// Recovered; the retry budget starts over.
		delete(r.retries, tr.Event.InstanceID)

	case models.StateStopped:
		if tr.Event.Previous == models.StateCrashed {
			// Acknowledged; clear the budget for the next manual start.
			delete(r.retries, tr.Event.InstanceID)
		}

	case models.StateCrashed:
		if !tr.StopCaused && !tr.Parked {
			r.applyRestartPolicy(tr.Event.InstanceID, tr.Event.Reason)
		}
	}

	r.fanoutEvent(tr.Event)
}

func (r *Registry) applyRestartPolicy(id string, reason string) {
	machine, err := r.machine(id)
	if err != nil {
		return
	}

	policy := machine.Config().Restart
	attempt := r.retries[id] + 1

	if !policy.Enabled {
		machine.Park("restart disabled")
		return
	}
	if attempt > policy.MaxRetries {
		r.logger.Error("restart policy exhausted", "id", id, "retries", policy.MaxRetries, "reason", reason)
		machine.Park("restart policy exhausted")
		return
	}

	r.retries[id] = attempt
	delay := policy.Backoff(attempt)
	r.logger.Info("scheduling automatic restart", "id", id, "attempt", attempt, "delay", delay, "reason", reason)

	r.timersMu.Lock()
	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = time.AfterFunc(delay, func() {
		r.cancelRestartTimer(id)
		machine.AutoRestart()
	})
	r.timersMu.Unlock()
}

func (r *Registry) cancelRestartTimer(id string) {
	r.timersMu.Lock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	r.timersMu.Unlock()
}

func (r *Registry) persistState(tr instance.Transition) {
	if r.store == nil {
		return
	}
	err := r.store.SaveState(tr.Event.InstanceID, tr.Event.Current, tr.Event.Reason)
	if err != nil {
		// Best effort; last-known state is advisory.
		r.logger.Warn("failed to persist instance state", "id", tr.Event.InstanceID, "error", err)
	}
}
