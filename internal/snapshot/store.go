// Package snapshot implements the shared, per-project cache of the backend's
// aggregate project state. One Store is shared by every orchestrator in the
// process; each project has exactly one cache entry inside it.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dwsmith1983/planrunner/internal/metrics"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Fetcher is the subset of the backend client used to load project state.
type Fetcher interface {
	GetProjectState(ctx context.Context, projectID string) (types.ProjectState, error)
}

// Listener is called with every snapshot stored for a subscribed project.
// Listeners run on the fetching goroutine and must not block for long.
type Listener func(types.Snapshot)

type entry struct {
	snap  *types.Snapshot
	epoch uint64
	subs  map[int]Listener
}

func (e *entry) fresh() bool {
	return e.snap != nil && e.snap.Epoch >= e.epoch
}

// Store caches project snapshots. Invalidate starts a new epoch for a project;
// a fetch is tagged with the epoch current when it started, and a fetch from
// an older epoch never replaces a cached snapshot from a newer one.
type Store struct {
	fetcher  Fetcher
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	nextSub int
	closed  bool
	started bool

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRefreshInterval enables periodic refresh of subscribed projects once
// Start is called. Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// New creates a Store backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		fetcher: fetcher,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the project's snapshot, fetching it when nothing is cached or
// the cached copy predates the latest invalidation. Concurrent callers share
// one fetch per project and epoch.
func (s *Store) Get(ctx context.Context, projectID string) (types.Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Snapshot{}, fmt.Errorf("snapshot store closed")
	}
	e := s.entryLocked(projectID)
	if e.fresh() {
		snap := *e.snap
		s.mu.Unlock()
		return snap, nil
	}
	epoch := e.epoch
	s.mu.Unlock()

	return s.refresh(ctx, projectID, epoch)
}

// Refresh fetches the project's state at the current epoch even when the
// cache is fresh. It does not start a new epoch.
func (s *Store) Refresh(ctx context.Context, projectID string) (types.Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Snapshot{}, fmt.Errorf("snapshot store closed")
	}
	epoch := s.entryLocked(projectID).epoch
	s.mu.Unlock()

	return s.refresh(ctx, projectID, epoch)
}

// Peek returns the cached snapshot without fetching, stale or not.
func (s *Store) Peek(projectID string) (types.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[projectID]
	if !ok || e.snap == nil {
		return types.Snapshot{}, false
	}
	return *e.snap, true
}

// Invalidate marks the project's cached snapshot stale and returns the new
// epoch. When the project has subscribers a refresh starts in the background;
// until it lands, Peek still returns the old snapshot.
func (s *Store) Invalidate(projectID string) uint64 {
	s.mu.Lock()
	e := s.entryLocked(projectID)
	e.epoch++
	epoch := e.epoch
	hasSubs := len(e.subs) > 0
	s.mu.Unlock()

	s.logger.Debug("project snapshot invalidated", "project", projectID, "epoch", epoch)
	if hasSubs {
		s.refreshAsync(projectID, epoch)
	}
	return epoch
}

// Subscribe registers fn for every snapshot stored for projectID. The
// returned func removes the subscription.
func (s *Store) Subscribe(projectID string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	e := s.entryLocked(projectID)
	id := s.nextSub
	s.nextSub++
	e.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if e, ok := s.entries[projectID]; ok {
				delete(e.subs, id)
			}
		})
	}
}

// Start begins periodic refresh of every project with subscribers. It is a
// no-op without a refresh interval or when already started.
func (s *Store) Start() {
	s.mu.Lock()
	if s.interval <= 0 || s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.logger.Info("snapshot refresher started", "interval", s.interval)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.refreshSubscribed()
			}
		}
	}()
}

// Stop cancels in-flight fetches and waits for background work to finish or
// for ctx to end.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("snapshot store stop timed out")
		return ctx.Err()
	}
}

func (s *Store) refreshSubscribed() {
	s.mu.Lock()
	type job struct {
		projectID string
		epoch     uint64
	}
	var jobs []job
	for id, e := range s.entries {
		if len(e.subs) > 0 {
			jobs = append(jobs, job{projectID: id, epoch: e.epoch})
		}
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.refresh(s.ctx, j.projectID, j.epoch); err != nil {
			s.logger.Warn("periodic snapshot refresh failed", "project", j.projectID, "error", err)
		}
	}
}

func (s *Store) refreshAsync(projectID string, epoch uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.refresh(s.ctx, projectID, epoch); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("snapshot refresh after invalidation failed", "project", projectID, "epoch", epoch, "error", err)
		}
	}()
}

func (s *Store) refresh(ctx context.Context, projectID string, epoch uint64) (types.Snapshot, error) {
	key := fmt.Sprintf("%s@%d", projectID, epoch)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.fetch(projectID, epoch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Snapshot{}, res.Err
		}
		return res.Val.(types.Snapshot), nil
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
}

// fetch runs on the store's own context so one caller giving up does not
// fail the fetch for everyone sharing it.
func (s *Store) fetch(projectID string, epoch uint64) (types.Snapshot, error) {
	metrics.Inc(s.ctx, metrics.SnapshotFetches, 0)
	ps, err := s.fetcher.GetProjectState(s.ctx, projectID)
	if err != nil {
		metrics.Inc(s.ctx, metrics.SnapshotFetchErrors, 0)
		return types.Snapshot{}, fmt.Errorf("fetching project state for %s: %w", projectID, err)
	}
	if ps.ProjectID == "" {
		ps.ProjectID = projectID
	}
	snap := types.Snapshot{State: ps, Epoch: epoch, FetchedAt: time.Now()}

	s.mu.Lock()
	e := s.entryLocked(projectID)
	stored := e.snap == nil || epoch >= e.snap.Epoch
	if stored {
		e.snap = &snap
	}
	listeners := make([]Listener, 0, len(e.subs))
	for _, fn := range e.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if !stored {
		s.logger.Debug("discarding snapshot from older epoch", "project", projectID, "epoch", epoch)
		return snap, nil
	}
	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

func (s *Store) entryLocked(projectID string) *entry {
	e, ok := s.entries[projectID]
	if !ok {
		e = &entry{subs: make(map[int]Listener)}
		s.entries[projectID] = e
	}
	return e
}
