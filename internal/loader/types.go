package loader

import (
	"context"
	"time"

	"github.com/tunecast/mediaload/internal/transcode"
)

// Kind is the media kind of a catalog asset.
type Kind string

const (
	KindImage     Kind = "image"
	KindAudio     Kind = "audio"
	KindVideo     Kind = "video"
	KindAnimation Kind = "animation"
)

// Asset is one catalog entry handed to Preload. Distinct entries pointing
// at the same bytes collapse to one cache entry through the injected
// KeyFunc.
type Asset struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	ImageURL string `json:"image_url"`
	MediaURL string `json:"media_url"`
}

// KeyFunc derives the stable content identity for an asset. Supplied by the
// surrounding application; identical underlying media must yield identical
// keys.
type KeyFunc func(Asset) string

// Priority orders load requests. Lower values dispatch first.
type Priority int

const (
	// PriorityAuto derives the priority from the asset kind.
	PriorityAuto Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "auto"
	}
}

// priorityForKind applies the default partition: video is high, audio and
// animation are medium, everything else is low.
func priorityForKind(kind Kind) Priority {
	switch kind {
	case KindVideo:
		return PriorityHigh
	case KindAudio, KindAnimation:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status is the lifecycle state of one content key's load.
type Status string

const (
	StatusPending  Status = "pending"
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Progress is the listener-visible snapshot of one load. Copies are handed
// out; callers never see the coordinator's mutable record.
type Progress struct {
	Key        string    `json:"key"`
	Loaded     int       `json:"loaded"`
	Total      int       `json:"total"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Percent reports completion as 0-100.
func (p Progress) Percent() int {
	if p.Status == StatusComplete {
		return 100
	}
	if p.Total <= 0 {
		return 0
	}
	pct := p.Loaded * 100 / p.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ListenerFunc receives progress snapshots for a subscribed content key.
type ListenerFunc func(Progress)

// SourceResolver picks the fastest working mirror URL for a content key.
// gateway.Racer satisfies this.
type SourceResolver interface {
	ResolveFastest(ctx context.Context, contentKey, ref string) (string, error)
}

// AssetBroker prepares a streaming-ready asset for a source video.
// transcode.Broker satisfies this.
type AssetBroker interface {
	EnsureAsset(ctx context.Context, sourceURL, contentKey string) (transcode.Asset, error)
}

// CompletedStore persists completed-load timestamps across sessions.
// persistence.SQLiteStore satisfies this.
type CompletedStore interface {
	LoadCompleted(ctx context.Context) (map[string]time.Time, error)
	PutCompleted(ctx context.Context, contentKey string, completedAt time.Time) error
	DeleteCompleted(ctx context.Context, contentKey string) error
}
