package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/process"

	"github.com/mineguard/mineguard/models"
)

/*
	The monitor samples a running instance on a fixed interval without
	depending on the game process's cooperation: pid liveness and resource
	counters from the OS, plus console activity as a cheap responsiveness
	signal. A single failed sample is tolerated; only a run of consecutive
	failures reaching the configured threshold raises an unresponsive report,
	which the owning state machine treats as a crash trigger.

	Snapshots live in a TTL cache whose lifetime is the staleness window, so
	an expired entry and "unresponsive" are the same observation.
*/

// Report is one sampling result delivered to the owning state machine.
type Report struct {
	Snapshot     models.HealthSnapshot
	Unresponsive bool
}

// Prober samples resource usage for a pid. Swappable for tests.
type Prober func(pid int32) (cpuPercent float64, rssBytes uint64, err error)

type Config struct {
	InstanceID     string
	PID            int
	Interval       time.Duration
	StaleThreshold int
	Logger         *slog.Logger
	LastConsoleAt  func() time.Time
	Report         func(Report)
	Probe          Prober
}

type Monitor struct {
	cfg   Config
	cache *ttlcache.Cache[string, models.HealthSnapshot]

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Probe == nil {
		cfg.Probe = gopsutilProbe
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 3
	}

	staleWindow := cfg.Interval * time.Duration(cfg.StaleThreshold)
	cache := ttlcache.New[string, models.HealthSnapshot](
		ttlcache.WithTTL[string, models.HealthSnapshot](staleWindow),
		ttlcache.WithDisableTouchOnHit[string, models.HealthSnapshot](),
	)

	return &Monitor{
		cfg:   cfg,
		cache: cache,
		stop:  make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.cache.Start()
	go m.run()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.cache.Stop()
	})
}

// Latest returns the newest unexpired snapshot. ok=false means the instance
// has not produced a fresh sample within the staleness window.
func (m *Monitor) Latest() (models.HealthSnapshot, bool) {
	item := m.cache.Get(m.cfg.InstanceID)
	if item == nil {
		return models.HealthSnapshot{}, false
	}
	return item.Value(), true
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	raised := false

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		snapshot, ok := m.sample()
		if ok {
			failures = 0
			raised = false
			m.cache.Set(m.cfg.InstanceID, snapshot, ttlcache.DefaultTTL)
			m.report(Report{Snapshot: snapshot})
			continue
		}

		failures++
		m.cfg.Logger.Debug("health sample failed", "instance", m.cfg.InstanceID, "consecutive", failures)

		if failures >= m.cfg.StaleThreshold && !raised {
			raised = true
			m.cfg.Logger.Warn("instance unresponsive", "instance", m.cfg.InstanceID, "failed_samples", failures)
			m.report(Report{Snapshot: snapshot, Unresponsive: true})
		}
	}
}

func (m *Monitor) sample() (models.HealthSnapshot, bool) {
	snapshot := models.HealthSnapshot{
		InstanceID: m.cfg.InstanceID,
		Timestamp:  time.Now(),
	}

	cpu, rss, err := m.cfg.Probe(int32(m.cfg.PID))
	if err != nil {
		return snapshot, false
	}

	snapshot.CPUPercent = cpu
	snapshot.RSSBytes = rss
	snapshot.Responsive = true

	// Console output since the previous interval corroborates liveness but
	// its absence alone is not a failure; quiet servers are healthy too.
	if m.cfg.LastConsoleAt != nil {
		last := m.cfg.LastConsoleAt()
		if !last.IsZero() && time.Since(last) < m.cfg.Interval {
			snapshot.Responsive = true
		}
	}

	return snapshot, true
}

func (m *Monitor) report(r Report) {
	if m.cfg.Report != nil {
		m.cfg.Report(r)
	}
}

func gopsutilProbe(pid int32) (float64, uint64, error) {
	exists, err := process.PidExists(pid)
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, &ErrProcessGone{PID: pid}
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, err
	}

	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}

	return cpu, mem.RSS, nil
}
