// Package pool manages the set of live backend processes.
package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/agentpool/internal/config"
)

// fakeHandle is an in-process stand-in for a spawned backend.
type fakeHandle struct {
	done chan struct{}
	once sync.Once
	ln   net.Listener
}

func (h *fakeHandle) Terminate() {
	h.once.Do(func() {
		if h.ln != nil {
			_ = h.ln.Close()
		}
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Output() string { return "listening" }

type fakeSpawnerOpts struct {
	serve      bool          // bind a real HTTP listener on the allocated port
	reportCWD  string        // cwd returned by /api/cwd ("" = the spawn directory)
	spawnDelay time.Duration // simulated startup latency
	failWith   error         // fail every spawn with this error
}

// newFakeSpawner returns a Spawner that records spawn calls and optionally
// serves HTTP on the allocated port so health probes find a listener.
func newFakeSpawner(t *testing.T, cfg *config.Config, opts fakeSpawnerOpts) (Spawner, *atomic.Int64) {
	t.Helper()
	var spawns atomic.Int64

	spawner := func(ctx context.Context, directory string, port int, env map[string]string) (Handle, error) {
		if opts.spawnDelay > 0 {
			select {
			case <-time.After(opts.spawnDelay):
			case <-ctx.Done():
				return nil, &StartError{Directory: directory, Port: port, Err: ctx.Err()}
			}
		}
		if opts.failWith != nil {
			return nil, opts.failWith
		}
		spawns.Add(1)

		h := &fakeHandle{done: make(chan struct{})}
		if opts.serve {
			ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Hostname, port))
			if err != nil {
				return nil, &StartError{Directory: directory, Port: port, Err: err}
			}
			h.ln = ln

			cwd := opts.reportCWD
			if cwd == "" {
				cwd = directory
			}
			mux := http.NewServeMux()
			mux.HandleFunc("/api/cwd", func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"cwd": cwd})
			})
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			go func() { _ = http.Serve(ln, mux) }()
			t.Cleanup(func() { _ = ln.Close() })
		}
		return h, nil
	}

	return spawner, &spawns
}

func testConfig(basePort int) *config.Config {
	cfg := config.Default()
	cfg.Backend = "agentpool-test-backend"
	cfg.BasePort = basePort
	cfg.PortRange = 20
	cfg.ProbeTimeout = 500 * time.Millisecond
	return cfg
}

func testManager(t *testing.T, cfg *config.Config, opts fakeSpawnerOpts) (*Manager, *atomic.Int64) {
	t.Helper()
	m := NewManager(cfg)
	spawner, spawns := newFakeSpawner(t, cfg, opts)
	m.SetSpawner(spawner)
	t.Cleanup(func() {
		for _, rec := range m.List() {
			m.Stop(rec.Directory)
		}
	})
	return m, spawns
}

func TestGetOrCreate_AssignsLowestFreePort(t *testing.T) {
	cfg := testConfig(45300)
	m, _ := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	recA, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	assert.Equal(t, 45300, recA.Port)
	assert.Equal(t, "http://127.0.0.1:45300", recA.BaseURL)

	recB, err := m.GetOrCreate(ctx, "/proj/b")
	require.NoError(t, err)
	assert.Equal(t, 45301, recB.Port)

	// Distinct directories never share a port.
	assert.NotEqual(t, recA.Port, recB.Port)

	// Stopping A frees its port; a fresh record for A reuses it.
	m.Stop("/proj/a")
	recA2, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	assert.Equal(t, 45300, recA2.Port)
	assert.NotSame(t, recA, recA2)
}

func TestGetOrCreate_ReusesHealthyRecord(t *testing.T) {
	cfg := testConfig(45330)
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	rec1, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	rec2, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	assert.Same(t, rec1, rec2)
	assert.Equal(t, int64(1), spawns.Load())
}

func TestGetOrCreate_NormalizesDirectory(t *testing.T) {
	cfg := testConfig(45350)
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	rec1, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	rec2, err := m.GetOrCreate(ctx, "/proj/a/")
	require.NoError(t, err)

	rec3, err := m.GetOrCreate(ctx, "/proj/./a")
	require.NoError(t, err)

	assert.Same(t, rec1, rec2)
	assert.Same(t, rec1, rec3)
	assert.Equal(t, int64(1), spawns.Load())
	assert.Equal(t, 1, m.Size())
}

func TestGetOrCreate_ReplacesUnhealthyRecord(t *testing.T) {
	cfg := testConfig(45370)
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	rec1, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	// The monitor flipped the record; the next GetOrCreate observes it.
	rec1.setHealth(false, time.Now())

	rec2, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	assert.NotSame(t, rec1, rec2)
	assert.Equal(t, int64(2), spawns.Load())
	assert.Equal(t, 1, m.Size())

	// The replaced process was terminated.
	select {
	case <-rec1.handle.Done():
	default:
		t.Error("old backend should have been terminated")
	}
}

func TestGetOrCreate_EvictsOldestWhenFull(t *testing.T) {
	cfg := testConfig(45390)
	cfg.MaxPool = 3
	m, _ := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	var evicted []string
	var evictMu sync.Mutex
	m.SetOnEvict(func(directory string) {
		evictMu.Lock()
		evicted = append(evicted, directory)
		evictMu.Unlock()
	})

	for _, dir := range []string{"/proj/a", "/proj/b", "/proj/c"} {
		_, err := m.GetOrCreate(ctx, dir)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Size())

	// A fourth directory evicts exactly the oldest record.
	_, err := m.GetOrCreate(ctx, "/proj/d")
	require.NoError(t, err)

	assert.Equal(t, 3, m.Size())
	evictMu.Lock()
	defer evictMu.Unlock()
	require.Len(t, evicted, 1)
	assert.Equal(t, "/proj/a", evicted[0])

	_, ok := m.Get("/proj/a")
	assert.False(t, ok)
	_, ok = m.Get("/proj/d")
	assert.True(t, ok)
}

func TestGetOrCreate_ConcurrentCallsSingleSpawn(t *testing.T) {
	cfg := testConfig(45410)
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{spawnDelay: 50 * time.Millisecond})
	ctx := context.Background()

	const callers = 20
	records := make([]*ProcessRecord, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := m.GetOrCreate(ctx, "/proj/shared")
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), spawns.Load())
	assert.Equal(t, 1, m.Size())
	for i := 1; i < callers; i++ {
		assert.Same(t, records[0], records[i])
	}
}

func TestGetOrCreate_CapHoldsUnderConcurrentNewDirectories(t *testing.T) {
	cfg := testConfig(45590)
	cfg.MaxPool = 2
	m, _ := testManager(t, cfg, fakeSpawnerOpts{spawnDelay: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "/proj/b")
	require.NoError(t, err)
	require.Equal(t, 2, m.Size())

	// Sample the pool size while the spawns below are in flight. Overlapping
	// spawns for distinct directories must never push the pool past the cap.
	var peak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(m.Size()); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for _, dir := range []string{"/proj/c", "/proj/d", "/proj/e"} {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			_, err := m.GetOrCreate(ctx, dir)
			assert.NoError(t, err)
		}(dir)
	}
	wg.Wait()
	close(stop)
	<-sampled

	assert.LessOrEqual(t, peak.Load(), int64(cfg.MaxPool))
	assert.Equal(t, 2, m.Size())
}

func TestGetOrCreate_SpawnFailureRollsBack(t *testing.T) {
	cfg := testConfig(45430)
	m, _ := testManager(t, cfg, fakeSpawnerOpts{
		failWith: &StartError{Directory: "/proj/a", Port: 45430, Output: "boom", Err: fmt.Errorf("exec failed")},
	})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "/proj/a")
	require.Error(t, err)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "boom", startErr.Output)

	// No half-created record left behind.
	assert.Equal(t, 0, m.Size())
	_, ok := m.Get("/proj/a")
	assert.False(t, ok)
}

func TestGetOrCreate_PortExhaustion(t *testing.T) {
	cfg := testConfig(45450)
	cfg.PortRange = 2
	m, _ := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "/proj/b")
	require.NoError(t, err)

	_, err = m.GetOrCreate(ctx, "/proj/c")
	assert.ErrorIs(t, err, ErrNoAvailablePorts)
}

func TestStopAll(t *testing.T) {
	cfg := testConfig(45470)
	m, _ := testManager(t, cfg, fakeSpawnerOpts{})
	ctx := context.Background()

	recA, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	recB, err := m.GetOrCreate(ctx, "/proj/b")
	require.NoError(t, err)

	m.StopAll()

	assert.Equal(t, 0, m.Size())
	for _, rec := range []*ProcessRecord{recA, recB} {
		select {
		case <-rec.handle.Done():
		default:
			t.Errorf("backend for %s should have been terminated", rec.Directory)
		}
	}
}

func TestStop_UnknownDirectoryIsNoop(t *testing.T) {
	cfg := testConfig(45490)
	m, _ := testManager(t, cfg, fakeSpawnerOpts{})

	m.Stop("/proj/never-created")
	assert.Equal(t, 0, m.Size())
}

func TestMonitor_FlipsHealthOnDeadBackend(t *testing.T) {
	cfg := testConfig(45510)
	cfg.HealthInterval = 50 * time.Millisecond
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{serve: true})
	ctx := context.Background()

	rec, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	require.True(t, rec.Healthy())

	// Kill the listener behind the manager's back; the monitor notices.
	rec.handle.(*fakeHandle).Terminate()

	assert.Eventually(t, func() bool {
		return !rec.Healthy()
	}, 3*time.Second, 20*time.Millisecond)

	// Remediation happens on the next GetOrCreate, not in place.
	assert.Equal(t, 1, m.Size())

	rec2, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)
	assert.NotSame(t, rec, rec2)
	assert.Equal(t, int64(2), spawns.Load())
}

func TestVerifyDirectory_MismatchReplacesRecord(t *testing.T) {
	cfg := testConfig(45530)
	m, spawns := testManager(t, cfg, fakeSpawnerOpts{serve: true, reportCWD: "/somewhere/else"})
	ctx := context.Background()

	rec1, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	// Reuse consults the backend's own cwd and rejects the impostor.
	rec2, err := m.GetOrCreate(ctx, "/proj/a")
	require.NoError(t, err)

	assert.NotSame(t, rec1, rec2)
	assert.Equal(t, int64(2), spawns.Load())
}

func TestSpawnEnv_MergesProfileOverrides(t *testing.T) {
	cfg := testConfig(45550)
	cfg.Model = "default-model"
	cfg.Extra = map[string]string{"OPENCODE_THEME": "dark", "KEEP": "yes"}

	m := NewManager(cfg)
	m.SetEnvResolver(func(directory string) map[string]string {
		return map[string]string{"AGENTPOOL_MODEL": "profile-model", "OPENCODE_THEME": "light"}
	})

	env := m.spawnEnv("/proj/a")
	assert.Equal(t, "profile-model", env["AGENTPOOL_MODEL"])
	assert.Equal(t, "light", env["OPENCODE_THEME"])
	assert.Equal(t, "yes", env["KEEP"])
}
