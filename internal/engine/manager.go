// Package engine is the SDK manager. It owns the storage backend, the task
// registry, worker slots and callback delivery, and drives every admitted
// task through its status machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/backend/httpstore"
	"yhtransfer/internal/backend/s3store"
	"yhtransfer/internal/config"
	"yhtransfer/internal/events"
	"yhtransfer/internal/netmon"
	"yhtransfer/internal/registry"
	"yhtransfer/internal/state"
	"yhtransfer/internal/transfer"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

const (
	lockFileName = ".lock"
	testEnvHost  = "mem://test-env"
)

// ErrWorkDirLocked is returned when another manager holds the work dir.
var ErrWorkDirLocked = errors.New("work dir is locked by another manager")

type Options struct {
	WorkDir string
	IP      string
	MAC     string
	Network types.NetworkType
	TestEnv bool

	// Settings replaces settings.yaml when set.
	Settings *config.Settings
	// Index replaces the SQLite digest index when set.
	Index registry.DigestIndex
	// Probe is polled for connectivity changes when set.
	Probe netmon.Probe
}

type Manager struct {
	opts     Options
	settings *config.Settings
	runtime  *types.RuntimeConfig
	lock     *flock.Flock

	net      *netmon.Monitor
	registry *registry.Registry
	events   *events.Dispatcher
	slots    *semaphore.Weighted
	urls     *ttlworker.Cache[string, string]

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	backend     backend.Backend
	generation  int64
	transporter *transfer.Transporter
	retired     []backend.Backend
	runs        map[int64]*run
	closed      bool

	closeOnce sync.Once
	closeErr  error
}

// New bootstraps a manager rooted at opts.WorkDir: it creates the
// directory layout, takes the work-dir lock, loads settings and opens the
// state database.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.WorkDir) == "" {
		return nil, fmt.Errorf("%w: empty work dir", types.ErrInvalidArgument)
	}
	config.SetWorkDir(opts.WorkDir)
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	lock := flock.New(filepath.Join(config.GetStateDir(), lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock work dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrWorkDirLocked, config.GetWorkDir())
	}

	settings := opts.Settings
	if settings == nil {
		if settings, err = config.LoadSettings(); err != nil {
			_ = lock.Unlock()
			return nil, err
		}
	}

	utils.ConfigureDebug(config.GetLogsDir())
	utils.CleanupLogs(settings.General.LogRetentionCount)

	state.Configure(filepath.Join(config.GetStateDir(), "yhtransfer.db"))
	if _, err := state.GetDB(); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open state: %w", err)
	}

	index := opts.Index
	if index == nil {
		index = state.Index{}
	}
	runtime := types.ConvertRuntimeConfig(settings)

	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		opts:     opts,
		settings: settings,
		runtime:  runtime,
		lock:     lock,
		net:      netmon.New(opts.Network),
		registry: registry.New(index),
		slots:    semaphore.NewWeighted(int64(runtime.GetMaxConcurrentTasks())),
		urls:     ttlworker.NewCache[string, string](runtime.GetURLCacheTTL()),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[int64]*run),
	}
	m.events = events.NewDispatcher(m.onTerminal)

	if opts.Probe != nil {
		go m.net.Watch(ctx, opts.Probe, runtime.GetWifiPollInterval())
	}
	if opts.TestEnv {
		// until a host is set, test managers talk to an in-process store
		_ = m.SetBackend(backend.NewMemory(testEnvHost))
	}

	utils.Debug("engine: manager up workdir=%s ip=%s mac=%s network=%s test=%t slots=%d",
		config.GetWorkDir(), opts.IP, opts.MAC, opts.Network, opts.TestEnv, runtime.GetMaxConcurrentTasks())
	return m, nil
}

// Network exposes the connectivity monitor so the host can report changes.
func (m *Manager) Network() *netmon.Monitor {
	return m.net
}

func (m *Manager) Runtime() *types.RuntimeConfig {
	return m.runtime
}

func (m *Manager) Settings() *config.Settings {
	return m.settings
}

// openBackend picks a Backend from a host string. A bare host:port is
// treated as plain HTTP.
func (m *Manager) openBackend(host string) (backend.Backend, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", types.ErrInvalidArgument)
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("%w: bad host %q: %v", types.ErrInvalidArgument, host, err)
	}

	switch u.Scheme {
	case "http", "https":
		return httpstore.New(httpstore.Options{
			BaseURL: host,
			HTTP3:   m.settings.Network.HTTP3 && u.Scheme == "https",
		})
	case "s3":
		opts, err := s3store.ParseURL(host)
		if err != nil {
			return nil, err
		}
		opts.Region = m.settings.S3.Region
		opts.Endpoint = m.settings.S3.Endpoint
		opts.AccessKey = m.settings.S3.AccessKey
		opts.SecretKey = m.settings.S3.SecretKey
		ctx, cancel := context.WithTimeout(m.ctx, m.runtime.GetRequestTimeout())
		defer cancel()
		return s3store.New(ctx, opts)
	case "mem":
		return backend.NewMemory(host), nil
	}
	return nil, fmt.Errorf("%w: unsupported host scheme %q", types.ErrInvalidArgument, u.Scheme)
}

// SetInternalHost selects the storage backend for tasks admitted from now
// on. Tasks already running keep the backend they started with.
func (m *Manager) SetInternalHost(host string) error {
	b, err := m.openBackend(host)
	if err != nil {
		return err
	}
	if err := m.SetBackend(b); err != nil {
		_ = b.Close()
		return err
	}
	utils.Debug("engine: internal host set to %s", host)
	return nil
}

// SetBackend installs b directly.
func (m *Manager) SetBackend(b backend.Backend) error {
	if b == nil {
		return fmt.Errorf("%w: nil backend", types.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrManagerClosed
	}
	if m.backend != nil {
		m.retired = append(m.retired, m.backend)
	}
	m.backend = b
	m.generation++
	m.transporter = transfer.New(b, m.runtime)
	return nil
}

func (m *Manager) current() (*transfer.Transporter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, types.ErrManagerClosed
	}
	if m.transporter == nil {
		return nil, types.ErrHostNotSet
	}
	return m.transporter, nil
}

// Tasks returns snapshots of every task that has not been evicted yet.
func (m *Manager) Tasks() []registry.Snapshot {
	return m.registry.List()
}

// Task returns the snapshot of a live task.
func (m *Manager) Task(id int64) (registry.Snapshot, bool) {
	t, ok := m.registry.Get(id)
	if !ok {
		return registry.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Subscribe returns the event channel of a task submitted without a
// callback. It may be called after the task finished: the buffered events
// are handed over once.
func (m *Manager) Subscribe(id int64) (<-chan *events.CallbackEvent, bool) {
	return m.events.Subscribe(id)
}

// Done is closed once id's terminal event has been delivered.
func (m *Manager) Done(id int64) <-chan struct{} {
	return m.events.Done(id)
}

// History returns persisted terminal outcomes, newest first.
func (m *Manager) History(limit int) ([]state.TaskRecord, error) {
	return state.LoadHistory(limit)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Close cancels every in-flight task, waits a bounded time for their
// terminal events, then releases the backend, the state database and the
// work-dir lock. Calls after Close fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.shutdown()
	})
	return m.closeErr
}

func (m *Manager) shutdown() error {
	m.mu.Lock()
	m.closed = true
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	backends := append([]backend.Backend{}, m.retired...)
	if m.backend != nil {
		backends = append(backends, m.backend)
	}
	m.mu.Unlock()

	utils.Debug("engine: closing with %d live tasks", len(runs))
	m.cancel(types.ErrManagerClosed)

	grace := m.runtime.GetCancelGrace()
	if !waitTimeout(&m.wg, grace) {
		for _, r := range runs {
			if m.finish(r, types.StatusTaskFailed, "", fmt.Errorf("%w: task abandoned", types.ErrManagerClosed)) {
				utils.Debug("engine: task %d abandoned on close", r.task.ID)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	if err := m.events.Wait(ctx); err != nil {
		utils.Warn("engine: undelivered callbacks dropped on close: %v", err)
	}
	cancel()
	m.events.Close()

	var errs []error
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close backend: %w", err))
		}
	}
	state.CloseDB()
	if err := m.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock work dir: %w", err))
	}
	utils.CloseDebug()
	return errors.Join(errs...)
}
