// Package probe abstracts "is this media ready to play" checks behind an
// injectable interface so the scheduling layer can be exercised without a
// real media stack.
package probe

import (
	"context"
	"fmt"
	"net/http"
)

// Kind tells a prober what sort of readiness it is waiting for.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Prober blocks until the resource at url is ready for playback or display,
// the context expires, or the resource is known to be unusable.
type Prober interface {
	WaitReady(ctx context.Context, url string, kind Kind) error
}

// HTTPProber implements Prober with a lightweight ranged GET: a resource
// that serves its first byte is considered decodable by the host player.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober using client, or http.DefaultClient when
// client is nil. Per-call deadlines come from the context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) WaitReady(ctx context.Context, url string, kind Kind) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build readiness request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s readiness probe: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s readiness probe: unexpected status %d for %s", kind, resp.StatusCode, url)
	}
	return nil
}
