package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/internal/gateway"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/internal/probe"
	"github.com/tunecast/mediaload/internal/transcode"
	"github.com/tunecast/mediaload/internal/videofirst"
)

func testConfig() config.LoaderConfig {
	return config.LoaderConfig{
		BatchWindow:       10 * time.Millisecond,
		MaxConcurrent:     3,
		MaxRetries:        0,
		BackoffBase:       10 * time.Millisecond,
		CooldownThreshold: 5,
		CooldownWindow:    250 * time.Millisecond,
		CompletedTTL:      time.Hour,
		ImageReadyTimeout: 500 * time.Millisecond,
		MediaReadyTimeout: 500 * time.Millisecond,
	}
}

// fakeResolver resolves every reference to a synthetic URL, recording call
// order and optionally failing.
type fakeResolver struct {
	mu    sync.Mutex
	order []string
	times map[string][]time.Time
	err   error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{times: make(map[string][]time.Time)}
}

func (f *fakeResolver) ResolveFastest(_ context.Context, key, _ string) (string, error) {
	f.mu.Lock()
	f.order = append(f.order, key)
	f.times[key] = append(f.times[key], time.Now())
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "https://mirror.example/ipfs/" + key, nil
}

func (f *fakeResolver) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times[key])
}

func (f *fakeResolver) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// fakeProber resolves after delay, tracking how many probes run at once.
type fakeProber struct {
	delay time.Duration
	err   error

	current int64
	max     int64
}

func (f *fakeProber) WaitReady(ctx context.Context, _ string, _ probe.Kind) error {
	cur := atomic.AddInt64(&f.current, 1)
	for {
		prev := atomic.LoadInt64(&f.max)
		if cur <= prev || atomic.CompareAndSwapInt64(&f.max, prev, cur) {
			break
		}
	}
	defer atomic.AddInt64(&f.current, -1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeProber) maxConcurrent() int64 { return atomic.LoadInt64(&f.max) }

type fakeBroker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBroker) EnsureAsset(_ context.Context, _, key string) (transcode.Asset, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return transcode.Asset{}, f.err
	}
	return transcode.Asset{
		ContentKey:     key,
		AssetID:        "asset-" + key,
		PlaybackHandle: "https://playback.example/hls/" + key + "/index.m3u8",
		Status:         transcode.StatusReady,
	}, nil
}

func keyByID(a Asset) string { return "key-" + a.ID }

func newTestManager(t *testing.T, cfg config.LoaderConfig, deps Deps) *Manager {
	t.Helper()
	if deps.Key == nil {
		deps.Key = keyByID
	}
	if deps.Resolver == nil {
		deps.Resolver = newFakeResolver()
	}
	if deps.Prober == nil {
		deps.Prober = &fakeProber{}
	}
	m, err := NewManager(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func waitForStatus(t *testing.T, m *Manager, key string, want Status) Progress {
	t.Helper()
	var got Progress
	require.Eventually(t, func() bool {
		p, ok := m.GetProgress(key)
		if !ok {
			return false
		}
		got = p
		return p.Status == want
	}, 5*time.Second, 5*time.Millisecond, "key %s never reached %s", key, want)
	return got
}

func TestManager_RequiresCoreDeps(t *testing.T) {
	_, err := NewManager(testConfig(), Deps{})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrConfig))
}

func TestManager_ImageLoadCompletes(t *testing.T) {
	resolver := newFakeResolver()
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver})

	var mu sync.Mutex
	var percents []int
	unsubscribe := m.Subscribe("key-img", func(p Progress) {
		mu.Lock()
		percents = append(percents, p.Percent())
		mu.Unlock()
	})
	defer unsubscribe()

	m.Preload(Asset{ID: "img", Kind: KindImage, ImageURL: "ipfs://bafyimg"}, PriorityAuto)

	p := waitForStatus(t, m, "key-img", StatusComplete)
	assert.Equal(t, 100, p.Percent())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1], "listeners must see the final 100")
}

func TestManager_DeduplicatesConcurrentPreloads(t *testing.T) {
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 50 * time.Millisecond}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Prober: prober})

	asset := Asset{ID: "dup", Kind: KindAudio, MediaURL: "ipfs://bafydup"}
	for j := 0; j < 5; j++ {
		m.Preload(asset, PriorityAuto)
	}
	// A second burst while the first load is still in flight.
	time.Sleep(25 * time.Millisecond)
	m.Preload(asset, PriorityAuto)

	waitForStatus(t, m, "key-dup", StatusComplete)
	assert.Equal(t, 1, resolver.calls("key-dup"), "concurrent preloads must share one fetch sequence")
}

func TestManager_ConcurrencyBoundHolds(t *testing.T) {
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 30 * time.Millisecond}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Prober: prober})

	for i := 0; i < 20; i++ {
		m.Preload(Asset{ID: fmt.Sprintf("burst-%02d", i), Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	}

	for i := 0; i < 20; i++ {
		waitForStatus(t, m, fmt.Sprintf("key-burst-%02d", i), StatusComplete)
	}
	assert.LessOrEqual(t, prober.maxConcurrent(), int64(3), "active loads must never exceed the cap")
}

func TestManager_PriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 5 * time.Millisecond}
	m := newTestManager(t, cfg, Deps{Resolver: resolver, Prober: prober})

	lowKeys := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("low-%02d", i)
		lowKeys = append(lowKeys, "key-"+id)
		m.Preload(Asset{ID: id, Kind: KindImage, ImageURL: "ipfs://x"}, PriorityLow)
	}
	m.Preload(Asset{ID: "hot-1", Kind: KindVideo, MediaURL: "ipfs://x"}, PriorityHigh)
	m.Preload(Asset{ID: "hot-2", Kind: KindVideo, MediaURL: "ipfs://x"}, PriorityHigh)

	waitForStatus(t, m, "key-hot-1", StatusComplete)
	waitForStatus(t, m, "key-hot-2", StatusComplete)
	for _, key := range lowKeys {
		waitForStatus(t, m, key, StatusComplete)
	}

	order := resolver.startOrder()
	require.GreaterOrEqual(t, len(order), 12)
	assert.ElementsMatch(t, []string{"key-hot-1", "key-hot-2"}, order[:2],
		"both high-priority loads must start before any low-priority one")
}

func TestManager_RetryBackoffSpacing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.BackoffBase = 40 * time.Millisecond
	resolver := newFakeResolver()
	resolver.err = gateway.ErrSourceUnavailable
	m := newTestManager(t, cfg, Deps{Resolver: resolver})

	m.Preload(Asset{ID: "flaky", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)

	p := waitForStatus(t, m, "key-flaky", StatusError)
	assert.Equal(t, 3, p.RetryCount)
	assert.Contains(t, p.Error, "SourceUnavailable")

	resolver.mu.Lock()
	attempts := append([]time.Time(nil), resolver.times["key-flaky"]...)
	resolver.mu.Unlock()
	require.Len(t, attempts, 4, "initial attempt plus three retries")

	gaps := []time.Duration{
		attempts[1].Sub(attempts[0]),
		attempts[2].Sub(attempts[1]),
		attempts[3].Sub(attempts[2]),
	}
	assert.GreaterOrEqual(t, gaps[0], 36*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 72*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 144*time.Millisecond)
	assert.Less(t, gaps[2], 400*time.Millisecond)
}

func TestManager_CooldownSuppressesAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownThreshold = 2
	resolver := newFakeResolver()
	resolver.err = gateway.ErrSourceUnavailable
	m := newTestManager(t, cfg, Deps{Resolver: resolver})

	asset := Asset{ID: "broken", Kind: KindImage, ImageURL: "ipfs://x"}

	for i := 1; i <= 2; i++ {
		m.Preload(asset, PriorityAuto)
		require.Eventually(t, func() bool {
			return resolver.calls("key-broken") == i
		}, 2*time.Second, 5*time.Millisecond)
		waitForStatus(t, m, "key-broken", StatusError)
	}

	// Threshold reached: the next preload must produce no network activity.
	m.Preload(asset, PriorityAuto)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, resolver.calls("key-broken"), "cooldown must suppress attempts")

	// After the window elapses the counter resets and attempts resume.
	time.Sleep(cfg.CooldownWindow)
	m.Preload(asset, PriorityAuto)
	require.Eventually(t, func() bool {
		return resolver.calls("key-broken") == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_CompletedCacheExpires(t *testing.T) {
	cfg := testConfig()
	cfg.CompletedTTL = 60 * time.Millisecond
	resolver := newFakeResolver()
	m := newTestManager(t, cfg, Deps{Resolver: resolver})

	asset := Asset{ID: "ttl", Kind: KindImage, ImageURL: "ipfs://x"}

	m.Preload(asset, PriorityAuto)
	waitForStatus(t, m, "key-ttl", StatusComplete)
	require.Equal(t, 1, resolver.calls("key-ttl"))

	// Fresh entry: served from the completed-set without a fetch.
	m.Preload(asset, PriorityAuto)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, resolver.calls("key-ttl"))

	// Expired entry: evicted and reloaded.
	time.Sleep(cfg.CompletedTTL)
	m.Preload(asset, PriorityAuto)
	require.Eventually(t, func() bool {
		return resolver.calls("key-ttl") == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_VideoLoadBrokersTranscode(t *testing.T) {
	resolver := newFakeResolver()
	broker := &fakeBroker{}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Broker: broker})

	m.Preload(Asset{ID: "vid", Kind: KindVideo, MediaURL: "ipfs://bafyvid"}, PriorityAuto)

	p := waitForStatus(t, m, "key-vid", StatusComplete)
	assert.Equal(t, 3, p.Total)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Equal(t, 1, broker.calls)
}

func TestManager_TranscodeFailureSurfaces(t *testing.T) {
	resolver := newFakeResolver()
	broker := &fakeBroker{err: fmt.Errorf("%w: asset errored", transcode.ErrTranscodeFailed)}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Broker: broker})

	m.Preload(Asset{ID: "bad-vid", Kind: KindVideo, MediaURL: "ipfs://x"}, PriorityAuto)

	p := waitForStatus(t, m, "key-bad-vid", StatusError)
	assert.Contains(t, p.Error, "TranscodeFailed")
}

func TestManager_DecodeTimeoutIsTerminalError(t *testing.T) {
	cfg := testConfig()
	cfg.ImageReadyTimeout = 30 * time.Millisecond
	resolver := newFakeResolver()
	prober := &fakeProber{delay: time.Second}
	m := newTestManager(t, cfg, Deps{Resolver: resolver, Prober: prober})

	m.Preload(Asset{ID: "stall", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)

	p := waitForStatus(t, m, "key-stall", StatusError)
	assert.Contains(t, p.Error, "DecodeTimeout")
}

func TestManager_VideoFirstGateBracketsPlayback(t *testing.T) {
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 80 * time.Millisecond}
	gate := videofirst.NewGate(
		config.VideoFirstConfig{DrainBatch: 5, DrainPause: 10 * time.Millisecond},
		func() netclass.Profile {
			return netclass.Classify(netclass.Signals{ConnectionType: "cellular", EffectiveType: "3g"})
		},
	)
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Prober: prober, Gate: gate})

	m.Preload(Asset{ID: "gated", Kind: KindVideo, MediaURL: "ipfs://x"}, PriorityAuto)

	require.Eventually(t, gate.Active, 2*time.Second, 2*time.Millisecond,
		"gate must engage while the video establishes playback")

	ran := false
	gate.Run("play-count", func() { ran = true })
	assert.False(t, ran, "background work must queue during playback establishment")

	waitForStatus(t, m, "key-gated", StatusComplete)
	require.Eventually(t, func() bool { return ran }, 2*time.Second, 5*time.Millisecond,
		"queued work must drain once playback is ready")
}

func TestManager_LowPriorityGatedOn2G(t *testing.T) {
	resolver := newFakeResolver()
	m := newTestManager(t, testConfig(), Deps{
		Resolver: resolver,
		Profile: func() netclass.Profile {
			return netclass.Classify(netclass.Signals{ConnectionType: "cellular", SaveData: true})
		},
	})

	m.Preload(Asset{ID: "thumb", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	m.Preload(Asset{ID: "feat", Kind: KindVideo, MediaURL: "ipfs://x"}, PriorityHigh)

	waitForStatus(t, m, "key-feat", StatusComplete)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, resolver.calls("key-thumb"), "low-priority preloads must be skipped on 2G")
}

func TestManager_PanickingListenerIsDropped(t *testing.T) {
	resolver := newFakeResolver()
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver})

	var panicked, healthy int64
	m.Subscribe("key-note", func(Progress) {
		atomic.AddInt64(&panicked, 1)
		panic("listener bug")
	})
	m.Subscribe("key-note", func(Progress) {
		atomic.AddInt64(&healthy, 1)
	})

	m.Preload(Asset{ID: "note", Kind: KindAudio, MediaURL: "ipfs://x"}, PriorityAuto)
	waitForStatus(t, m, "key-note", StatusComplete)

	assert.EqualValues(t, 1, atomic.LoadInt64(&panicked), "panicking listener must be removed after its first panic")
	assert.Greater(t, atomic.LoadInt64(&healthy), int64(1), "healthy listeners must keep receiving updates")
}

func TestManager_UnsubscribeStopsNotifications(t *testing.T) {
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 40 * time.Millisecond}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Prober: prober})

	var count int64
	unsubscribe := m.Subscribe("key-bye", func(Progress) { atomic.AddInt64(&count, 1) })
	unsubscribe()

	m.Preload(Asset{ID: "bye", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	waitForStatus(t, m, "key-bye", StatusComplete)
	assert.Zero(t, atomic.LoadInt64(&count))
}

func TestManager_WaitJoinsInflightLoad(t *testing.T) {
	resolver := newFakeResolver()
	prober := &fakeProber{delay: 60 * time.Millisecond}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Prober: prober})

	m.Preload(Asset{ID: "join", Kind: KindAudio, MediaURL: "ipfs://x"}, PriorityAuto)
	require.Eventually(t, func() bool {
		p, ok := m.GetProgress("key-join")
		return ok && p.Status == StatusLoading
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, m.Wait(context.Background(), "key-join"))

	p, ok := m.GetProgress("key-join")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, p.Status)
}

func TestManager_WaitUnknownKey(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	err := m.Wait(context.Background(), "key-ghost")
	require.Error(t, err)
}

func TestManager_ResetClearsState(t *testing.T) {
	resolver := newFakeResolver()
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver})

	m.Preload(Asset{ID: "wipe", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	waitForStatus(t, m, "key-wipe", StatusComplete)

	m.Reset()
	_, ok := m.GetProgress("key-wipe")
	assert.False(t, ok)

	// A fresh preload after reset fetches again.
	m.Preload(Asset{ID: "wipe", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	require.Eventually(t, func() bool {
		return resolver.calls("key-wipe") == 2
	}, 2*time.Second, 5*time.Millisecond)
}

type fakeCompletedStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	deletes []string
}

func (s *fakeCompletedStore) LoadCompleted(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *fakeCompletedStore) PutCompleted(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]time.Time)
	}
	s.entries[key] = at
	return nil
}

func (s *fakeCompletedStore) DeleteCompleted(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.deletes = append(s.deletes, key)
	return nil
}

func TestManager_HydratesCompletedSetFromStore(t *testing.T) {
	resolver := newFakeResolver()
	store := &fakeCompletedStore{entries: map[string]time.Time{
		"key-warm": time.Now().Add(-time.Minute),
	}}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Completed: store})

	m.Preload(Asset{ID: "warm", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)

	waitForStatus(t, m, "key-warm", StatusComplete)
	assert.Zero(t, resolver.calls("key-warm"), "a persisted fresh entry must be served without a fetch")
}

func TestManager_PersistsCompletedLoads(t *testing.T) {
	resolver := newFakeResolver()
	store := &fakeCompletedStore{}
	m := newTestManager(t, testConfig(), Deps{Resolver: resolver, Completed: store})

	m.Preload(Asset{ID: "keep", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	waitForStatus(t, m, "key-keep", StatusComplete)

	require.Eventually(t, func() bool {
		s, err := store.LoadCompleted(context.Background())
		require.NoError(t, err)
		_, ok := s["key-keep"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_JanitorEvictsExpiredEntries(t *testing.T) {
	cfg := testConfig()
	cfg.CompletedTTL = 50 * time.Millisecond
	cfg.JanitorCron = "@every 1s"
	resolver := newFakeResolver()
	store := &fakeCompletedStore{}
	m := newTestManager(t, cfg, Deps{Resolver: resolver, Completed: store})

	m.Preload(Asset{ID: "sweep", Kind: KindImage, ImageURL: "ipfs://x"}, PriorityAuto)
	waitForStatus(t, m, "key-sweep", StatusComplete)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, k := range store.deletes {
			if k == "key-sweep" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "janitor must evict the expired entry from the store")
}

func TestManager_ErrorStringsAreActionable(t *testing.T) {
	err := WrapError(gateway.ErrSourceUnavailable, ErrSourceUnavailable, "key-x", "no gateway answered")
	assert.True(t, IsErrorType(err, ErrSourceUnavailable))
	assert.True(t, strings.Contains(err.Error(), "key-x"))
	assert.ErrorIs(t, err, gateway.ErrSourceUnavailable)
}
