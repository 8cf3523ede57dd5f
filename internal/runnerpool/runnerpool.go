// Package runnerpool keeps warm agent runners so runs can reuse a
// connected subprocess instead of spawning one per request. It services two
// acquire intents: by session (continue a prior conversation) and generic
// (fresh run), and distinguishes runner lifecycle strictly from task
// lifecycle — the pool is the single source of truth for which runners
// exist and where they currently sit.
package runnerpool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

// Runner is the pooled handle to a connected agent subprocess. Concrete
// implementations (internal/agentsdk) wrap an os/exec.Cmd and its pipes.
type Runner interface {
	// IsAlive reports whether the underlying subprocess is still usable.
	IsAlive() bool
	// Disconnect tears down the subprocess and releases its resources.
	Disconnect(ctx context.Context) error
}

// Factory constructs a new, connected Runner.
type Factory func(ctx context.Context) (Runner, error)

type sessionEntry struct {
	runner   Runner
	lastUsed time.Time
	elem     *list.Element // element in lru, value is sessionID
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	SessionCount int   `json:"session_count"`
	GenericCount int   `json:"generic_count"`
	Total        int   `json:"total"`
	MaxSize      int   `json:"max_size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
}

// Config controls pool sizing and maintenance cadence.
type Config struct {
	MaxSize             int
	MinGeneric          int
	TTL                 time.Duration
	MaintenanceInterval time.Duration
}

// Pool is the thread-safe runner pool described by the acquire/release/
// pre_warm/maintenance contract.
type Pool struct {
	cfg     Config
	factory Factory
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	lru      *list.List // front = least recently used, back = most recently used
	generic  *list.List // FIFO; front = head (oldest)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type genericEntry struct {
	runner   Runner
	insertAt time.Time
}

// New creates a Pool. Call StartMaintenance to begin the periodic sweep.
func New(cfg Config, factory Factory, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		cfg:      cfg,
		factory:  factory,
		log:      log.With(zap.String("component", "runner-pool")),
		sessions: make(map[string]*sessionEntry),
		lru:      list.New(),
		generic:  list.New(),
	}
}

func (p *Pool) total() int {
	return len(p.sessions) + p.generic.Len()
}

// evictLRULocked evicts the globally least-recently-used entry: the oldest
// session entry if any exist, otherwise the front of the generic queue.
// Caller must hold p.mu.
func (p *Pool) evictLRULocked() {
	if p.lru.Len() > 0 {
		front := p.lru.Front()
		sessionID := front.Value.(string)
		entry := p.sessions[sessionID]
		p.lru.Remove(front)
		delete(p.sessions, sessionID)
		p.evictions.Add(1)
		go p.discard(entry.runner)
		return
	}
	if p.generic.Len() > 0 {
		front := p.generic.Front()
		entry := p.generic.Remove(front).(genericEntry)
		p.evictions.Add(1)
		go p.discard(entry.runner)
	}
}

func (p *Pool) discard(r Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Disconnect(ctx); err != nil {
		p.log.Warn("error disconnecting discarded runner", zap.Error(err))
	}
}

func (p *Pool) ttlExpired(t time.Time) bool {
	return p.cfg.TTL > 0 && time.Since(t) > p.cfg.TTL
}

// Acquire implements the acquire(session_id?) contract.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (Runner, error) {
	p.mu.Lock()

	if sessionID != "" {
		if entry, ok := p.sessions[sessionID]; ok {
			p.lru.Remove(entry.elem)
			delete(p.sessions, sessionID)
			if !p.ttlExpired(entry.lastUsed) {
				p.hits.Add(1)
				p.mu.Unlock()
				return entry.runner, nil
			}
			// TTL-expired: discard and fall through as a miss.
			p.evictions.Add(1)
			go p.discard(entry.runner)
		}
		p.misses.Add(1)
	}

	for p.generic.Len() > 0 {
		front := p.generic.Front()
		entry := p.generic.Remove(front).(genericEntry)
		if p.ttlExpired(entry.insertAt) {
			p.evictions.Add(1)
			go p.discard(entry.runner)
			continue
		}
		p.mu.Unlock()
		return entry.runner, nil
	}

	if p.total() >= p.cfg.MaxSize {
		p.evictLRULocked()
	}
	p.mu.Unlock()

	return p.factory(ctx)
}

// Release implements the release(runner, session_id?) contract.
func (p *Pool) Release(runner Runner, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID == "" {
		if p.total() >= p.cfg.MaxSize {
			p.evictLRULocked()
		}
		p.generic.PushBack(genericEntry{runner: runner, insertAt: time.Now()})
		return
	}

	if existing, ok := p.sessions[sessionID]; ok {
		p.lru.Remove(existing.elem)
		delete(p.sessions, sessionID)
		if existing.runner != runner {
			go p.discard(existing.runner)
		}
	} else if p.total() >= p.cfg.MaxSize {
		p.evictLRULocked()
	}

	elem := p.lru.PushBack(sessionID)
	p.sessions[sessionID] = &sessionEntry{runner: runner, lastUsed: time.Now(), elem: elem}
}

// PreWarm constructs up to n generic runners and inserts them into the
// generic pool, returning the count successfully warmed.
func (p *Pool) PreWarm(ctx context.Context, n int) int {
	warmed := 0
	for i := 0; i < n; i++ {
		runner, err := p.factory(ctx)
		if err != nil {
			p.log.Warn("pre-warm failed to construct runner", zap.Error(err))
			continue
		}
		p.mu.Lock()
		if p.total() >= p.cfg.MaxSize {
			p.evictLRULocked()
		}
		p.generic.PushBack(genericEntry{runner: runner, insertAt: time.Now()})
		p.mu.Unlock()
		warmed++
	}
	return warmed
}

// StartMaintenance launches the periodic maintenance loop.
func (p *Pool) StartMaintenance(ctx context.Context) {
	if p.cfg.MaintenanceInterval <= 0 {
		return
	}
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runMaintenance(ctx)
			}
		}
	}()
}

func (p *Pool) runMaintenance(ctx context.Context) {
	p.mu.Lock()
	var staleSessions []string
	for id, entry := range p.sessions {
		if p.ttlExpired(entry.lastUsed) || !entry.runner.IsAlive() {
			staleSessions = append(staleSessions, id)
		}
	}
	for _, id := range staleSessions {
		entry := p.sessions[id]
		p.lru.Remove(entry.elem)
		delete(p.sessions, id)
		go p.discard(entry.runner)
	}

	var keep []genericEntry
	for p.generic.Len() > 0 {
		front := p.generic.Remove(p.generic.Front()).(genericEntry)
		if p.ttlExpired(front.insertAt) || !front.runner.IsAlive() {
			go p.discard(front.runner)
			continue
		}
		keep = append(keep, front)
	}
	for _, e := range keep {
		p.generic.PushBack(e)
	}

	needed := p.cfg.MinGeneric - p.generic.Len()
	p.mu.Unlock()

	if needed > 0 {
		warmed := p.PreWarm(ctx, needed)
		p.log.Debug("maintenance replenished generic pool", zap.Int("warmed", warmed))
	}
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		SessionCount: len(p.sessions),
		GenericCount: p.generic.Len(),
		Total:        p.total(),
		MaxSize:      p.cfg.MaxSize,
		Hits:         p.hits.Load(),
		Misses:       p.misses.Load(),
		Evictions:    p.evictions.Load(),
	}
}

// Shutdown cancels the maintenance task and discards every pooled runner,
// returning the count of successful disconnects.
func (p *Pool) Shutdown(ctx context.Context) int {
	if p.stopCh != nil {
		close(p.stopCh)
		p.wg.Wait()
	}

	p.mu.Lock()
	var runners []Runner
	for _, entry := range p.sessions {
		runners = append(runners, entry.runner)
	}
	p.sessions = make(map[string]*sessionEntry)
	p.lru.Init()
	for p.generic.Len() > 0 {
		entry := p.generic.Remove(p.generic.Front()).(genericEntry)
		runners = append(runners, entry.runner)
	}
	p.mu.Unlock()

	succeeded := 0
	for _, r := range runners {
		if err := r.Disconnect(ctx); err != nil {
			p.log.Warn("error disconnecting runner during shutdown", zap.Error(err))
			continue
		}
		succeeded++
	}
	return succeeded
}
