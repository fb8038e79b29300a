// Package loader contains the media load coordinator: a priority-aware,
// concurrency-bounded scheduler that batches preload bursts, deduplicates
// in-flight work per content key, retries with exponential backoff and
// reports progress to subscribed listeners.
package loader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/internal/gateway"
	"github.com/tunecast/mediaload/internal/metrics"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/internal/probe"
	"github.com/tunecast/mediaload/internal/transcode"
	"github.com/tunecast/mediaload/internal/videofirst"
	"github.com/tunecast/mediaload/pkg/log"
)

// Deps are the collaborators a Manager schedules work across. Key, Resolver
// and Prober are required; everything else degrades gracefully when nil.
type Deps struct {
	Key       KeyFunc
	Resolver  SourceResolver
	Broker    AssetBroker
	Prober    probe.Prober
	Profile   func() netclass.Profile
	Gate      *videofirst.Gate
	Completed CompletedStore
	Metrics   *metrics.Metrics
}

type request struct {
	asset      Asset
	key        string
	priority   Priority
	enqueuedAt time.Time
}

// flight is one in-progress load; joiners wait on done.
type flight struct {
	done chan struct{}
	err  error
}

type failureRecord struct {
	count       int
	lastAttempt time.Time
}

// Manager is the load coordinator. One instance per client session; Reset
// is equivalent to constructing a fresh one.
type Manager struct {
	cfg  config.LoaderConfig
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	progress   map[string]*Progress
	inflight   map[string]*flight
	completed  map[string]time.Time
	failures   map[string]*failureRecord
	waiting    []request
	active     int
	batch      []request
	batchTimer *time.Timer
	listeners  map[string]map[string]ListenerFunc
	closed     bool

	janitor janitorHandle
}

// NewManager validates deps, hydrates the completed-set from the store and
// starts the janitor schedule.
func NewManager(cfg config.LoaderConfig, deps Deps) (*Manager, error) {
	if deps.Key == nil {
		return nil, NewError(ErrConfig, "", "a content key function is required")
	}
	if deps.Resolver == nil {
		return nil, NewError(ErrConfig, "", "a source resolver is required")
	}
	if deps.Prober == nil {
		return nil, NewError(ErrConfig, "", "a readiness prober is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		progress:  make(map[string]*Progress),
		inflight:  make(map[string]*flight),
		completed: make(map[string]time.Time),
		failures:  make(map[string]*failureRecord),
		listeners: make(map[string]map[string]ListenerFunc),
	}
	m.hydrateFromStore(ctx)
	if err := m.startJanitor(); err != nil {
		cancel()
		return nil, WrapError(err, ErrConfig, "", "invalid janitor schedule")
	}
	return m, nil
}

// hydrateFromStore seeds the completed-set with still-fresh persisted
// entries.
func (m *Manager) hydrateFromStore(ctx context.Context) {
	if m.deps.Completed == nil {
		return
	}
	loaded, err := m.deps.Completed.LoadCompleted(ctx)
	if err != nil {
		log.Error("Failed to load completed set from store: %v", err)
		return
	}
	now := time.Now()
	m.mu.Lock()
	for key, at := range loaded {
		if now.Sub(at) < m.cfg.CompletedTTL {
			m.completed[key] = at
		}
	}
	m.mu.Unlock()
}

// Preload schedules an asset for loading. Fire-and-forget: progress is
// observable through Subscribe and Wait. PriorityAuto derives the priority
// from the asset kind; an explicit priority wins.
func (m *Manager) Preload(asset Asset, prio Priority) {
	key := m.deps.Key(asset)
	if key == "" {
		log.Warn("Preload ignored: empty content key for asset %s", asset.ID)
		return
	}
	if prio == PriorityAuto {
		prio = priorityForKind(asset.Kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.batch = append(m.batch, request{
		asset:      asset,
		key:        key,
		priority:   prio,
		enqueuedAt: time.Now(),
	})
	// One timer per batch: the window opens on the first request and the
	// whole burst flushes together.
	if m.batchTimer == nil {
		m.batchTimer = time.AfterFunc(m.cfg.BatchWindow, m.flushBatch)
	}
	m.mu.Unlock()
}

// flushBatch partitions the pending batch by priority and dispatches
// high before medium before low.
func (m *Manager) flushBatch() {
	m.mu.Lock()
	m.batchTimer = nil
	batch := m.batch
	m.batch = nil
	m.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].priority < batch[j].priority
	})
	for _, req := range batch {
		m.dispatch(req)
	}
}

// dispatch decides the fate of one request: serve from the completed-set,
// skip on cooldown, join an in-flight load, start, or park in the waiting
// queue.
func (m *Manager) dispatch(req request) {
	// On the most constrained networks, non-essential preloading is not
	// worth the contention.
	if req.priority == PriorityLow && m.deps.Profile != nil {
		if p := m.deps.Profile(); p.Class == netclass.Class2G {
			log.Debug("Skipping low-priority preload %s on a %s network", req.key, p.Class)
			return
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if at, ok := m.completed[req.key]; ok {
		if time.Since(at) < m.cfg.CompletedTTL {
			m.setProgressLocked(req.key, func(p *Progress) {
				p.Status = StatusComplete
				p.Loaded = p.Total
			})
			m.mu.Unlock()
			m.notify(req.key)
			return
		}
		// Stale: evict and reload.
		delete(m.completed, req.key)
		if m.deps.Completed != nil {
			if err := m.deps.Completed.DeleteCompleted(m.ctx, req.key); err != nil {
				log.Warn("Failed to evict completed entry %s: %v", req.key, err)
			}
		}
	}

	if fr, ok := m.failures[req.key]; ok && fr.count >= m.cfg.CooldownThreshold {
		if time.Since(fr.lastAttempt) < m.cfg.CooldownWindow {
			m.mu.Unlock()
			if m.deps.Metrics != nil {
				m.deps.Metrics.IncCooldownSkips()
			}
			log.Debug("Skipping %s: cooling down after %d failures", req.key, fr.count)
			return
		}
		// Window elapsed: the counter resets and the key gets fresh attempts.
		delete(m.failures, req.key)
	}

	if _, ok := m.inflight[req.key]; ok {
		m.mu.Unlock()
		return
	}

	if m.active >= m.cfg.MaxConcurrent {
		m.waiting = append(m.waiting, req)
		if m.deps.Metrics != nil {
			m.deps.Metrics.SetWaitingLoads(len(m.waiting))
		}
		m.mu.Unlock()
		return
	}

	m.startLocked(req)
	m.mu.Unlock()
	m.notify(req.key)
}

// startLocked claims a concurrency slot and launches the load goroutine.
// Caller holds m.mu.
func (m *Manager) startLocked(req request) {
	m.active++
	fl := &flight{done: make(chan struct{})}
	m.inflight[req.key] = fl
	m.setProgressLocked(req.key, func(p *Progress) {
		p.Status = StatusLoading
		p.Loaded = 0
		p.Total = totalSteps(req.asset.Kind, m.deps.Broker != nil)
		p.RetryCount = 0
		p.Error = ""
	})
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveLoads(m.active)
	}
	go m.run(req, fl)
}

// totalSteps is the number of progress milestones for a kind: resolve and
// probe for flat media, plus the transcode step for video.
func totalSteps(kind Kind, brokered bool) int {
	if kind == KindVideo && brokered {
		return 3
	}
	return 2
}

// run executes one load with the retry/backoff policy and publishes the
// terminal outcome.
func (m *Manager) run(req request, fl *flight) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.BackoffBase << 6
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			m.bumpRetry(req.key, attempt-1)
		}
		loadErr := m.loadOnce(req)
		if loadErr != nil {
			log.Warn("Load attempt %d for %s failed: %v", attempt, req.key, loadErr)
		}
		return loadErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxRetries)), m.ctx))

	m.finish(req, fl, err, time.Since(start))
}

// loadOnce performs a single attempt for the asset's kind.
func (m *Manager) loadOnce(req request) error {
	switch req.asset.Kind {
	case KindVideo:
		return m.loadVideo(req)
	case KindAudio:
		return m.loadFlat(req, req.asset.MediaURL, probe.KindAudio, m.cfg.MediaReadyTimeout)
	case KindAnimation:
		ref := req.asset.MediaURL
		if ref == "" {
			ref = req.asset.ImageURL
		}
		return m.loadFlat(req, ref, probe.KindImage, m.cfg.ImageReadyTimeout)
	default:
		return m.loadFlat(req, req.asset.ImageURL, probe.KindImage, m.cfg.ImageReadyTimeout)
	}
}

// loadFlat resolves the fastest source and waits for decode readiness.
func (m *Manager) loadFlat(req request, ref string, kind probe.Kind, timeout time.Duration) error {
	url, err := m.deps.Resolver.ResolveFastest(m.ctx, req.key, ref)
	if err != nil {
		return m.classifyResolveErr(req.key, err)
	}
	m.step(req.key, 1)

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()
	if err := m.deps.Prober.WaitReady(ctx, url, kind); err != nil {
		return m.classifyProbeErr(req.key, err)
	}
	m.step(req.key, totalSteps(req.asset.Kind, m.deps.Broker != nil))
	return nil
}

// loadVideo resolves the source, brokers the transcode asset and brackets
// playback establishment with the video-first gate.
func (m *Manager) loadVideo(req request) error {
	url, err := m.deps.Resolver.ResolveFastest(m.ctx, req.key, req.asset.MediaURL)
	if err != nil {
		return m.classifyResolveErr(req.key, err)
	}
	m.step(req.key, 1)

	playbackURL := url
	if m.deps.Broker != nil {
		asset, err := m.deps.Broker.EnsureAsset(m.ctx, url, req.key)
		if err != nil {
			if errors.Is(err, transcode.ErrTranscodeFailed) {
				return WrapError(err, ErrTranscodeFailed, req.key, "transcode asset unavailable")
			}
			return WrapError(err, ErrUnknown, req.key, "transcode broker failed")
		}
		playbackURL = asset.PlaybackHandle
		m.step(req.key, 2)
	}

	// Playback establishment window: background work is gated until the
	// video is ready (cellular connections only; the gate is a no-op
	// elsewhere).
	if m.deps.Gate != nil {
		m.deps.Gate.Enter()
		defer m.deps.Gate.Exit()
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.MediaReadyTimeout)
	defer cancel()
	if err := m.deps.Prober.WaitReady(ctx, playbackURL, probe.KindVideo); err != nil {
		return m.classifyProbeErr(req.key, err)
	}
	m.step(req.key, totalSteps(req.asset.Kind, m.deps.Broker != nil))
	return nil
}

func (m *Manager) classifyResolveErr(key string, err error) error {
	if errors.Is(err, gateway.ErrSourceUnavailable) {
		return WrapError(err, ErrSourceUnavailable, key, "no gateway answered")
	}
	return WrapError(err, ErrUnknown, key, "source resolution failed")
}

func (m *Manager) classifyProbeErr(key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrDecodeTimeout, key, "media did not become ready in time")
	}
	return WrapError(err, ErrDecodeTimeout, key, "readiness probe failed")
}

// finish releases the concurrency slot, records the terminal outcome and
// promotes waiting requests.
func (m *Manager) finish(req request, fl *flight, err error, elapsed time.Duration) {
	m.mu.Lock()
	delete(m.inflight, req.key)
	m.active--

	status := StatusComplete
	if err != nil {
		status = StatusError
		fr := m.failures[req.key]
		if fr == nil {
			fr = &failureRecord{}
			m.failures[req.key] = fr
		}
		fr.count++
		fr.lastAttempt = time.Now()
	} else {
		m.completed[req.key] = time.Now()
		delete(m.failures, req.key)
	}

	m.setProgressLocked(req.key, func(p *Progress) {
		p.Status = status
		if err == nil {
			p.Loaded = p.Total
			p.Error = ""
		} else {
			p.Error = err.Error()
		}
	})

	m.promoteLocked()
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveLoads(m.active)
		m.deps.Metrics.SetWaitingLoads(len(m.waiting))
	}
	m.mu.Unlock()

	if err == nil && m.deps.Completed != nil {
		if perr := m.deps.Completed.PutCompleted(m.ctx, req.key, time.Now()); perr != nil {
			log.Warn("Failed to persist completed entry %s: %v", req.key, perr)
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveLoad(string(status), elapsed)
	}
	if err != nil {
		log.Error("Load for %s ended in error after %s: %v", req.key, elapsed, err)
	} else {
		log.Debug("Load for %s completed in %s", req.key, elapsed)
	}

	fl.err = err
	close(fl.done)
	m.notify(req.key)
}

// promoteLocked refills free slots from the waiting queue, strict priority
// first, FIFO within equal priority. Caller holds m.mu.
func (m *Manager) promoteLocked() {
	if len(m.waiting) == 0 {
		return
	}
	sort.SliceStable(m.waiting, func(i, j int) bool {
		if m.waiting[i].priority != m.waiting[j].priority {
			return m.waiting[i].priority < m.waiting[j].priority
		}
		return m.waiting[i].enqueuedAt.Before(m.waiting[j].enqueuedAt)
	})
	for m.active < m.cfg.MaxConcurrent && len(m.waiting) > 0 {
		next := m.waiting[0]
		m.waiting = m.waiting[1:]
		if _, ok := m.inflight[next.key]; ok {
			continue
		}
		m.startLocked(next)
	}
}

// step advances the loaded counter for a key and notifies listeners.
func (m *Manager) step(key string, loaded int) {
	m.mu.Lock()
	m.setProgressLocked(key, func(p *Progress) {
		if loaded > p.Loaded {
			p.Loaded = loaded
		}
	})
	m.mu.Unlock()
	m.notify(key)
}

// bumpRetry records a retry attempt on the key's progress.
func (m *Manager) bumpRetry(key string, retries int) {
	m.mu.Lock()
	m.setProgressLocked(key, func(p *Progress) {
		p.RetryCount = retries
	})
	m.mu.Unlock()
	m.notify(key)
}

// setProgressLocked mutates the key's progress record. Caller holds m.mu.
func (m *Manager) setProgressLocked(key string, mutate func(*Progress)) {
	p, ok := m.progress[key]
	if !ok {
		p = &Progress{Key: key, Status: StatusPending}
		m.progress[key] = p
	}
	mutate(p)
	p.UpdatedAt = time.Now()
}

// notify synchronously delivers the current snapshot to the key's
// listeners. A listener that panics is dropped.
func (m *Manager) notify(key string) {
	m.mu.Lock()
	p, ok := m.progress[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *p
	targets := make(map[string]ListenerFunc, len(m.listeners[key]))
	for id, fn := range m.listeners[key] {
		targets[id] = fn
	}
	m.mu.Unlock()

	var broken []string
	for id, fn := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("Dropping progress listener for %s: panic: %v", key, r)
					broken = append(broken, id)
				}
			}()
			fn(snapshot)
		}()
	}
	if len(broken) > 0 {
		m.mu.Lock()
		for _, id := range broken {
			delete(m.listeners[key], id)
		}
		m.mu.Unlock()
	}
}

// Subscribe registers a progress listener for a content key and returns
// its unsubscribe function.
func (m *Manager) Subscribe(key string, fn ListenerFunc) func() {
	id := uuid.NewString()
	m.mu.Lock()
	if m.listeners[key] == nil {
		m.listeners[key] = make(map[string]ListenerFunc)
	}
	m.listeners[key][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners[key], id)
		m.mu.Unlock()
	}
}

// GetProgress returns a snapshot of the key's progress.
func (m *Manager) GetProgress(key string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[key]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// Wait blocks until the key's in-flight load finishes and returns its
// terminal error. Completed keys return nil immediately; keys the manager
// has never seen return an error.
func (m *Manager) Wait(ctx context.Context, key string) error {
	m.mu.Lock()
	fl, inflight := m.inflight[key]
	var snapshot Progress
	p, known := m.progress[key]
	if known {
		snapshot = *p
	}
	m.mu.Unlock()

	if inflight {
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !known {
		return NewError(ErrUnknown, key, "no load recorded for key")
	}
	if snapshot.Status == StatusError {
		return NewError(ErrUnknown, key, snapshot.Error)
	}
	return nil
}

// resettable lets Reset propagate to collaborators owning their own caches.
type resettable interface{ Reset() }

// Reset discards all coordinator state, equivalent to constructing a fresh
// manager, and resets any collaborator that supports it.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
	m.progress = make(map[string]*Progress)
	m.completed = make(map[string]time.Time)
	m.failures = make(map[string]*failureRecord)
	m.waiting = nil
	m.batch = nil
	m.listeners = make(map[string]map[string]ListenerFunc)
	m.mu.Unlock()

	if r, ok := m.deps.Resolver.(resettable); ok {
		r.Reset()
	}
	if r, ok := m.deps.Broker.(resettable); ok {
		r.Reset()
	}
}

// Close stops the janitor and cancels in-flight work. The manager must not
// be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
	m.mu.Unlock()

	m.stopJanitor()
	m.cancel()
}
