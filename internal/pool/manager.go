// Package pool manages the set of live backend processes, one per project
// directory: spawning, health monitoring, reuse, and eviction.
package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/agentpool/internal/config"
	"github.com/thebtf/agentpool/internal/pathkey"
)

// ProcessRecord is one pooled backend process keyed by its normalized
// project directory. Fields other than the health state are immutable once
// the record is constructed.
type ProcessRecord struct {
	Directory string
	Port      int
	BaseURL   string
	StartedAt time.Time

	handle       Handle
	cancelHealth context.CancelFunc

	mu                sync.Mutex
	healthy           bool
	lastHealthCheckAt time.Time
}

// Healthy reports the result of the most recent health probe.
func (r *ProcessRecord) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// LastHealthCheckAt returns when the record was last probed.
func (r *ProcessRecord) LastHealthCheckAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHealthCheckAt
}

func (r *ProcessRecord) setHealth(ok bool, at time.Time) {
	r.mu.Lock()
	r.healthy = ok
	r.lastHealthCheckAt = at
	r.mu.Unlock()
}

// Output returns the captured diagnostic output of the backend process.
func (r *ProcessRecord) Output() string {
	return r.handle.Output()
}

// Manager owns the pool map. All mutations go through its synchronized
// methods; the raw map is never exposed.
type Manager struct {
	cfg   *config.Config
	spawn Spawner
	probe *http.Client

	// resolveEnv supplies per-directory spawn overrides (spawn profiles).
	resolveEnv func(directory string) map[string]string
	// onEvict runs after a record leaves the pool, before its process is
	// terminated. The connection registry hooks in here so a handle never
	// outlives its backend.
	onEvict func(directory string)

	mu       sync.Mutex
	slotFree *sync.Cond // signalled when a reservation or record is released
	records  map[string]*ProcessRecord
	reserved map[int]struct{} // ports held by in-flight spawns

	group singleflight.Group
}

// NewManager creates a pool manager with the default OS process spawner.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		spawn:    NewSpawner(cfg.Backend, cfg.Hostname),
		probe:    &http.Client{Timeout: cfg.ProbeTimeout},
		records:  make(map[string]*ProcessRecord),
		reserved: make(map[int]struct{}),
	}
	m.slotFree = sync.NewCond(&m.mu)
	return m
}

// SetSpawner replaces the process spawner. Used by tests.
func (m *Manager) SetSpawner(s Spawner) {
	m.spawn = s
}

// SetEnvResolver sets the per-directory spawn override hook.
func (m *Manager) SetEnvResolver(fn func(directory string) map[string]string) {
	m.resolveEnv = fn
}

// SetOnEvict sets the eviction callback.
func (m *Manager) SetOnEvict(fn func(directory string)) {
	m.onEvict = fn
}

// GetOrCreate returns the live record for the directory, spawning or
// replacing a backend process as needed. Concurrent calls for the same
// directory collapse into one spawn: the second caller observes the first
// caller's record instead of racing to start a second process.
func (m *Manager) GetOrCreate(ctx context.Context, directory string) (*ProcessRecord, error) {
	key := pathkey.Normalize(directory)

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.getOrCreate(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProcessRecord), nil
}

func (m *Manager) getOrCreate(ctx context.Context, key string) (*ProcessRecord, error) {
	m.mu.Lock()
	rec := m.records[key]
	m.mu.Unlock()

	if rec != nil {
		if rec.Healthy() && m.verifyDirectory(ctx, rec) {
			return rec, nil
		}
		log.Warn().
			Str("directory", key).
			Int("port", rec.Port).
			Msg("Pooled backend unhealthy, replacing")
		m.teardown(key, rec)
	}

	port, err := m.reserveSlot(key)
	if err != nil {
		return nil, err
	}
	defer m.releaseSlot(port)

	spawnCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()

	log.Info().
		Str("directory", key).
		Int("port", port).
		Msg("Starting backend process")

	handle, err := m.spawn(spawnCtx, key, port, m.spawnEnv(key))
	if err != nil {
		// Nothing was inserted; the failed spawn leaves no half-created
		// record behind. A readiness timeout can still leave a half-started
		// process holding the port, so clear it before the port goes back
		// into rotation.
		_ = KillProcessOnPort(port)
		return nil, err
	}

	now := time.Now()
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	rec = &ProcessRecord{
		Directory:         key,
		Port:              port,
		BaseURL:           fmt.Sprintf("http://%s:%d", m.cfg.Hostname, port),
		StartedAt:         now,
		handle:            handle,
		cancelHealth:      cancelHealth,
		healthy:           true,
		lastHealthCheckAt: now,
	}

	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()

	go m.monitor(healthCtx, rec)
	return rec, nil
}

// reserveSlot makes room for one new record and claims its port inside a
// single critical section. In-flight spawns count toward the pool cap
// through their port reservations, so concurrent callers for distinct
// directories cannot collectively overshoot MaxPool. Pool pressure evicts
// the least-recently-created record first; when every slot is held by an
// in-flight spawn there is nothing to evict, and the caller waits for a
// reservation to settle.
func (m *Manager) reserveSlot(key string) (int, error) {
	m.mu.Lock()
	for len(m.records)+len(m.reserved) >= m.cfg.MaxPool {
		oldest := m.oldestLocked()
		if oldest == nil {
			m.slotFree.Wait()
			continue
		}
		m.mu.Unlock()
		log.Info().
			Str("directory", oldest.Directory).
			Str("for", key).
			Msg("Pool full, evicting oldest backend")
		m.teardown(oldest.Directory, oldest)
		m.mu.Lock()
	}

	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.reserved[port] = struct{}{}
	m.mu.Unlock()
	return port, nil
}

// releaseSlot drops a port reservation and wakes any caller waiting for a
// slot. Runs whether the spawn succeeded (the record now holds the slot)
// or failed (the slot is free again).
func (m *Manager) releaseSlot(port int) {
	m.mu.Lock()
	delete(m.reserved, port)
	m.slotFree.Broadcast()
	m.mu.Unlock()
}

// spawnEnv merges the opaque passthrough settings, the validated subset this
// daemon understands, and the directory's spawn profile overrides, most
// specific last.
func (m *Manager) spawnEnv(directory string) map[string]string {
	env := make(map[string]string, len(m.cfg.Extra)+4)
	for k, v := range m.cfg.Extra {
		env[k] = v
	}
	if m.cfg.Model != "" {
		env["AGENTPOOL_MODEL"] = m.cfg.Model
	}
	if m.cfg.PermissionMode != "" {
		env["AGENTPOOL_PERMISSION_MODE"] = m.cfg.PermissionMode
	}
	if m.resolveEnv != nil {
		for k, v := range m.resolveEnv(directory) {
			env[k] = v
		}
	}
	return env
}

// Get returns the record for a directory without creating one.
func (m *Manager) Get(directory string) (*ProcessRecord, bool) {
	key := pathkey.Normalize(directory)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// List returns a snapshot of all live records.
func (m *Manager) List() []*ProcessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ProcessRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Size returns the number of pooled records.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Stop tears down the record for a directory. Best-effort: the record is
// removed whether or not the process terminates cleanly.
func (m *Manager) Stop(directory string) {
	key := pathkey.Normalize(directory)
	m.mu.Lock()
	rec := m.records[key]
	m.mu.Unlock()
	if rec == nil {
		return
	}
	m.teardown(key, rec)
}

// StopAll tears down every record, then sweeps for stray same-named
// processes left behind by a previous crashed run. The sweep is hygiene,
// never correctness.
func (m *Manager) StopAll() {
	for _, rec := range m.List() {
		m.teardown(rec.Directory, rec)
	}

	if err := KillStrayBackends(m.cfg.Backend); err != nil {
		log.Debug().Err(err).Msg("Stray backend sweep skipped")
	}
}

// teardown removes the record from the pool, notifies the eviction hook,
// and terminates the process. Termination failures are logged, not fatal.
func (m *Manager) teardown(key string, rec *ProcessRecord) {
	rec.cancelHealth()

	m.mu.Lock()
	// Only delete if the map still points at this record; a replacement
	// may already have taken the slot.
	if cur, ok := m.records[key]; ok && cur == rec {
		delete(m.records, key)
		m.slotFree.Broadcast()
	}
	m.mu.Unlock()

	if m.onEvict != nil {
		m.onEvict(key)
	}

	rec.handle.Terminate()

	log.Info().
		Str("directory", key).
		Int("port", rec.Port).
		Msg("Backend stopped")
}

// oldestLocked returns the record with the earliest StartedAt.
// Caller must hold m.mu.
func (m *Manager) oldestLocked() *ProcessRecord {
	var oldest *ProcessRecord
	for _, rec := range m.records {
		if oldest == nil || rec.StartedAt.Before(oldest.StartedAt) {
			oldest = rec
		}
	}
	return oldest
}

// monitor probes the record on a fixed tick until its context is cancelled.
// Each record runs its own monitor so a slow backend never delays probes
// for other directories.
func (m *Manager) monitor(ctx context.Context, rec *ProcessRecord) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive := m.probeAlive(ctx, rec)
			wasHealthy := rec.Healthy()
			rec.setHealth(alive, time.Now())
			if wasHealthy && !alive {
				log.Warn().
					Str("directory", rec.Directory).
					Int("port", rec.Port).
					Msg("Backend failed health probe")
			} else if !wasHealthy && alive {
				log.Info().
					Str("directory", rec.Directory).
					Int("port", rec.Port).
					Msg("Backend recovered")
			}
		}
	}
}

// probeAlive issues one liveness probe. Any HTTP-level response counts as
// alive, including error statuses: a 500 still proves a listener.
func (m *Manager) probeAlive(ctx context.Context, rec *ProcessRecord) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rec.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := m.probe.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// verifyDirectory asks a reused backend for its own working directory and
// compares it against the record's. A mismatch means the process on that
// port is not ours anymore and the record must be replaced. Backends that
// do not implement the endpoint pass verification.
func (m *Manager) verifyDirectory(ctx context.Context, rec *ProcessRecord) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rec.BaseURL+"/api/cwd", nil)
	if err != nil {
		return true
	}
	resp, err := m.probe.Do(req)
	if err != nil {
		// Liveness is the monitor's job; an unreachable endpoint here
		// does not condemn the record.
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true
	}

	var payload struct {
		CWD string `json:"cwd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return true
	}
	if payload.CWD == "" {
		return true
	}

	match := pathkey.Normalize(payload.CWD) == rec.Directory
	if !match {
		log.Warn().
			Str("directory", rec.Directory).
			Str("reported", payload.CWD).
			Msg("Backend working directory mismatch")
	}
	return match
}
