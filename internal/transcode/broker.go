// Package transcode brokers remote transcode jobs: it creates an asset for
// a source video once per content key, polls the service until the asset is
// playable, and caches the resulting playback handle.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/pkg/log"
)

// Status is the lifecycle state of a remote transcode asset.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusErrored   Status = "errored"
)

// ErrTranscodeFailed reports that the remote asset reached errored state or
// the poll budget ran out. No further polling happens for this attempt.
var ErrTranscodeFailed = errors.New("transcode asset did not become playable")

// Asset is the broker's view of one remote transcode job.
type Asset struct {
	ContentKey     string `json:"content_key"`
	AssetID        string `json:"asset_id"`
	PlaybackHandle string `json:"playback_handle"`
	Status         Status `json:"status"`
}

// AssetStore persists ready assets across sessions. persistence.SQLiteStore
// satisfies this.
type AssetStore interface {
	GetTranscodeRecord(ctx context.Context, contentKey string) (handle, assetID, status string, ok bool, err error)
	PutTranscodeRecord(ctx context.Context, contentKey, handle, assetID, status string, updatedAt time.Time) error
}

// Broker creates and tracks transcode assets, one per content key.
type Broker struct {
	cfg     config.TranscodeConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	store   AssetStore

	mu     sync.RWMutex
	assets map[string]Asset

	sf          singleflight.Group
	pollObserve func()
}

// NewBroker returns a Broker talking to cfg.APIURL. store may be nil.
func NewBroker(cfg config.TranscodeConfig, store AssetStore) *Broker {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "transcode-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Broker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		store:   store,
		assets:  make(map[string]Asset),
	}
}

// SetPollObserver registers a callback invoked once per status poll.
func (b *Broker) SetPollObserver(fn func()) {
	b.pollObserve = fn
}

// EnsureAsset returns a playable asset for contentKey, creating a remote
// transcode job and polling it to readiness if needed. Idempotent per key:
// a cached non-errored asset is returned as-is, and concurrent callers for
// the same key share one creation/poll cycle.
func (b *Broker) EnsureAsset(ctx context.Context, sourceURL, contentKey string) (Asset, error) {
	if cached, ok := b.lookup(ctx, contentKey); ok {
		return cached, nil
	}

	v, err, _ := b.sf.Do(contentKey, func() (any, error) {
		// Re-check under singleflight; a joiner may have populated the cache.
		if cached, ok := b.lookup(ctx, contentKey); ok {
			return cached, nil
		}
		return b.createAndPoll(ctx, sourceURL, contentKey)
	})
	if err != nil {
		return Asset{}, err
	}
	return v.(Asset), nil
}

// lookup consults the memory cache and the persistent store. Errored
// entries are never reused.
func (b *Broker) lookup(ctx context.Context, contentKey string) (Asset, bool) {
	b.mu.RLock()
	asset, ok := b.assets[contentKey]
	b.mu.RUnlock()
	if ok && asset.Status == StatusReady {
		return asset, true
	}

	if b.store != nil {
		handle, assetID, status, found, err := b.store.GetTranscodeRecord(ctx, contentKey)
		if err != nil {
			log.Warn("Failed to read transcode record for %s: %v", contentKey, err)
		} else if found && Status(status) == StatusReady {
			asset = Asset{
				ContentKey:     contentKey,
				AssetID:        assetID,
				PlaybackHandle: handle,
				Status:         StatusReady,
			}
			b.remember(asset)
			return asset, true
		}
	}
	return Asset{}, false
}

func (b *Broker) createAndPoll(ctx context.Context, sourceURL, contentKey string) (Asset, error) {
	asset, err := b.createAsset(ctx, sourceURL, contentKey)
	if err != nil {
		return Asset{}, err
	}

	if asset.Status == StatusPreparing {
		asset, err = b.pollUntilReady(ctx, asset)
		if err != nil {
			b.remember(asset)
			b.persist(ctx, asset)
			return Asset{}, err
		}
	}

	if asset.Status == StatusErrored {
		b.remember(asset)
		b.persist(ctx, asset)
		return Asset{}, fmt.Errorf("%w: asset %s errored", ErrTranscodeFailed, asset.AssetID)
	}

	b.remember(asset)
	b.persist(ctx, asset)
	return asset, nil
}

type createRequest struct {
	URL        string `json:"url"`
	ContentKey string `json:"contentKey"`
}

type assetResponse struct {
	AssetID        string `json:"assetId"`
	PlaybackHandle string `json:"playbackHandle"`
	Status         string `json:"status"`
}

// createAsset asks the service for an asset, passing contentKey as the
// correlation token so server-side duplicate detection can short-circuit.
func (b *Broker) createAsset(ctx context.Context, sourceURL, contentKey string) (Asset, error) {
	body, err := json.Marshal(createRequest{URL: sourceURL, ContentKey: contentKey})
	if err != nil {
		return Asset{}, fmt.Errorf("encode create request: %w", err)
	}

	var resp assetResponse
	if err := b.doJSON(ctx, http.MethodPost, b.cfg.APIURL+"/create-asset", bytes.NewReader(body), &resp); err != nil {
		return Asset{}, fmt.Errorf("create asset: %w", err)
	}

	status := Status(resp.Status)
	if status == "" {
		status = StatusPreparing
	}
	return Asset{
		ContentKey:     contentKey,
		AssetID:        resp.AssetID,
		PlaybackHandle: resp.PlaybackHandle,
		Status:         status,
	}, nil
}

// pollUntilReady polls asset status on a fixed interval until the asset
// leaves preparing or the poll budget runs out.
func (b *Broker) pollUntilReady(ctx context.Context, asset Asset) (Asset, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 0; polls < b.cfg.PollBudget; polls++ {
		select {
		case <-ctx.Done():
			asset.Status = StatusErrored
			return asset, ctx.Err()
		case <-ticker.C:
		}

		if b.pollObserve != nil {
			b.pollObserve()
		}

		status, err := b.fetchStatus(ctx, asset.PlaybackHandle)
		if err != nil {
			log.Warn("Transcode status poll failed for %s: %v", asset.ContentKey, err)
			continue
		}
		switch status {
		case StatusReady:
			asset.Status = StatusReady
			return asset, nil
		case StatusErrored:
			asset.Status = StatusErrored
			return asset, fmt.Errorf("%w: asset %s errored", ErrTranscodeFailed, asset.AssetID)
		}
	}

	asset.Status = StatusErrored
	return asset, fmt.Errorf("%w: poll budget exhausted for %s", ErrTranscodeFailed, asset.ContentKey)
}

type statusResponse struct {
	Status string `json:"status"`
}

func (b *Broker) fetchStatus(ctx context.Context, handle string) (Status, error) {
	endpoint := b.cfg.APIURL + "/asset-status?handle=" + url.QueryEscape(handle)
	var resp statusResponse
	if err := b.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return Status(resp.Status), nil
}

// doJSON issues one JSON request through the circuit breaker.
func (b *Broker) doJSON(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	_, err := b.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if b.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("transcode API %s: status %d: %s", endpoint, resp.StatusCode, payload)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

func (b *Broker) remember(asset Asset) {
	if asset.ContentKey == "" {
		return
	}
	b.mu.Lock()
	b.assets[asset.ContentKey] = asset
	b.mu.Unlock()
}

func (b *Broker) persist(ctx context.Context, asset Asset) {
	if b.store == nil || asset.ContentKey == "" {
		return
	}
	err := b.store.PutTranscodeRecord(ctx, asset.ContentKey, asset.PlaybackHandle, asset.AssetID, string(asset.Status), time.Now())
	if err != nil {
		log.Warn("Failed to persist transcode record for %s: %v", asset.ContentKey, err)
	}
}

// Reset drops every cached asset mapping.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.assets = make(map[string]Asset)
	b.mu.Unlock()
}
