package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/leegmoore/cody-stream/internal/storage"
	"github.com/leegmoore/cody-stream/internal/transport"
	"github.com/leegmoore/cody-stream/internal/upsert"
)

// Manager lazily starts the pair of consumers for each run and tears
// them down on shutdown. Runs are fully isolated from each other; the
// manager only tracks lifecycles.
type Manager struct {
	log    transport.EventLog
	store  storage.SnapshotStore
	cfg    upsert.Config
	logger *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	active map[string]context.CancelFunc
	closed bool
}

// NewManager builds a manager over the shared transport and store.
func NewManager(log transport.EventLog, store storage.SnapshotStore, cfg upsert.Config) *Manager {
	return &Manager{
		log:    log,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		active: make(map[string]context.CancelFunc),
	}
}

// EnsureRun starts the persistence worker and upsert runner for a run if
// they are not already running.
func (m *Manager) EnsureRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.active[runID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[runID] = cancel

	pw := NewPersistWorker(m.log, m.store, runID)
	ur := NewUpsertRunner(m.log, runID, m.cfg)

	// Each consumer finishes on its own terminal event. The run is
	// released, and its context canceled, only after both have exited:
	// one consumer completing must never abort the other mid-write.
	var runWG sync.WaitGroup
	runWG.Add(2)
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		defer runWG.Done()
		if err := pw.Run(ctx); err != nil {
			m.logger.Error("persist worker stopped",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}()
	go func() {
		defer m.wg.Done()
		defer runWG.Done()
		if err := ur.Run(ctx); err != nil {
			m.logger.Error("upsert runner stopped",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}()
	go func() {
		defer m.wg.Done()
		runWG.Wait()
		m.release(runID)
	}()
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.active[runID]; ok {
		cancel()
		delete(m.active, runID)
	}
}

// Shutdown cancels every run's consumers and waits for them to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
