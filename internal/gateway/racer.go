// Package gateway picks the fastest working mirror for content-addressed
// media. A race runs once per content key; the winner is cached (and
// optionally persisted) and reused until an explicit reset, favoring
// stability over marginal speed gains.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/pkg/log"
)

// ErrSourceUnavailable reports that every candidate mirror failed its probe.
// Not retryable within the same call; the load coordinator's outer backoff
// decides whether to try again.
var ErrSourceUnavailable = errors.New("no gateway can serve this content")

// Result is one mirror's probe outcome.
type Result struct {
	URL     string
	Latency time.Duration
	OK      bool
}

// WinnerStore persists winning mirror URLs across sessions. Implementations
// must be safe for concurrent use; persistence.SQLiteStore satisfies this.
type WinnerStore interface {
	GetGatewayWinner(ctx context.Context, contentKey string) (string, bool, error)
	PutGatewayWinner(ctx context.Context, contentKey, url string, chosenAt time.Time) error
}

// ProfileFunc supplies the current network profile; its ProbeConcurrency
// bounds how many mirrors are probed at once.
type ProfileFunc func() netclass.Profile

// Racer resolves the fastest working mirror URL per content key.
type Racer struct {
	cfg     config.GatewayConfig
	client  *http.Client
	store   WinnerStore
	profile ProfileFunc

	mu      sync.RWMutex
	winners map[string]string

	sf           singleflight.Group
	probeObserve func(time.Duration)
}

// NewRacer returns a Racer probing cfg.Mirrors. store and profile may be
// nil: without a store winners live only in memory; without a profile every
// mirror is probed at once.
func NewRacer(cfg config.GatewayConfig, store WinnerStore, profile ProfileFunc) *Racer {
	return &Racer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		store:   store,
		profile: profile,
		winners: make(map[string]string),
	}
}

// SetProbeObserver registers a callback receiving each probe's latency.
func (r *Racer) SetProbeObserver(fn func(time.Duration)) {
	r.probeObserve = fn
}

// ResolveFastest returns the fastest working mirror URL for ref, keyed and
// cached by contentKey. Concurrent callers for the same key share one race.
func (r *Racer) ResolveFastest(ctx context.Context, contentKey, ref string) (string, error) {
	r.mu.RLock()
	url, ok := r.winners[contentKey]
	r.mu.RUnlock()
	if ok {
		return url, nil
	}

	if r.store != nil {
		stored, found, err := r.store.GetGatewayWinner(ctx, contentKey)
		if err != nil {
			log.Warn("Failed to read gateway winner for %s: %v", contentKey, err)
		} else if found {
			r.mu.Lock()
			r.winners[contentKey] = stored
			r.mu.Unlock()
			return stored, nil
		}
	}

	v, err, _ := r.sf.Do(contentKey, func() (any, error) {
		return r.race(ctx, contentKey, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// race probes every candidate mirror and records the winner.
func (r *Racer) race(ctx context.Context, contentKey, ref string) (string, error) {
	hash, err := ExtractHash(ref)
	if err != nil {
		return "", err
	}

	concurrency := len(r.cfg.Mirrors)
	if r.profile != nil {
		if n := r.profile().ProbeConcurrency; n > 0 && n < concurrency {
			concurrency = n
		}
	}

	results := make([]Result, len(r.cfg.Mirrors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, mirror := range r.cfg.Mirrors {
		i, mirror := i, mirror
		g.Go(func() error {
			results[i] = r.probe(gctx, mirror+hash)
			return nil
		})
	}
	_ = g.Wait()

	// Lowest latency wins; mirror list order breaks ties.
	winner := -1
	for i, res := range results {
		if !res.OK {
			continue
		}
		if winner < 0 || res.Latency < results[winner].Latency {
			winner = i
		}
	}
	if winner < 0 {
		return "", ErrSourceUnavailable
	}

	url := results[winner].URL
	r.mu.Lock()
	r.winners[contentKey] = url
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutGatewayWinner(ctx, contentKey, url, time.Now()); err != nil {
			log.Warn("Failed to persist gateway winner for %s: %v", contentKey, err)
		}
	}
	log.Debug("Gateway race for %s won by %s (%s)", contentKey, url, results[winner].Latency)
	return url, nil
}

// probe issues a lightweight existence check against one candidate URL.
// Individual failures are non-fatal and reported as OK=false.
func (r *Racer) probe(ctx context.Context, url string) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Result{URL: url}
	}

	resp, err := r.client.Do(req)
	latency := time.Since(start)
	if r.probeObserve != nil {
		r.probeObserve(latency)
	}
	if err != nil {
		return Result{URL: url, Latency: latency}
	}
	defer resp.Body.Close()

	return Result{URL: url, Latency: latency, OK: resp.StatusCode < 400}
}

// Reset drops every cached winner. The persisted copies are cleared by the
// surrounding application through the store's own Reset.
func (r *Racer) Reset() {
	r.mu.Lock()
	r.winners = make(map[string]string)
	r.mu.Unlock()
}
