// Package videofirst suspends non-essential background work while a video
// establishes playback on a constrained connection. Operations register as
// resumable closures; nothing is monkey-patched.
package videofirst

import (
	"sync"
	"time"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/pkg/log"
)

// ProfileFunc supplies the current network profile; the gate only engages
// on cellular connections.
type ProfileFunc func() netclass.Profile

type pendingOp struct {
	category string
	run      func()
}

// Gate brackets the playback-establishment window. While active, Run'd
// operations are queued; on release they drain in bounded-rate batches so
// the replay does not spike the network right as playback starts consuming
// bandwidth.
type Gate struct {
	cfg     config.VideoFirstConfig
	profile ProfileFunc

	mu      sync.Mutex
	depth   int
	pending []pendingOp
}

// NewGate returns a Gate draining cfg.DrainBatch operations per batch with
// cfg.DrainPause between batches.
func NewGate(cfg config.VideoFirstConfig, profile ProfileFunc) *Gate {
	return &Gate{cfg: cfg, profile: profile}
}

// Enter activates the gate if the current connection is cellular. Safe to
// call while already active; each Enter needs a matching Exit.
func (g *Gate) Enter() {
	if g.profile == nil || !g.profile().IsCellular {
		return
	}
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
}

// Exit releases one Enter. When the last Enter is released, queued
// operations drain asynchronously in batches.
func (g *Gate) Exit() {
	g.mu.Lock()
	if g.depth == 0 {
		g.mu.Unlock()
		return
	}
	g.depth--
	if g.depth > 0 || len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}
	ops := g.pending
	g.pending = nil
	g.mu.Unlock()

	go g.drain(ops)
}

// Run executes op immediately when the gate is inactive, otherwise queues
// it for the post-playback drain. category is only used for logging.
func (g *Gate) Run(category string, op func()) {
	g.mu.Lock()
	if g.depth > 0 {
		g.pending = append(g.pending, pendingOp{category: category, run: op})
		n := len(g.pending)
		g.mu.Unlock()
		log.Debug("Video-first gate queued %s operation (%d pending)", category, n)
		return
	}
	g.mu.Unlock()

	op()
}

// Defer is Run for operations whose caller needs the result: the returned
// channel receives the operation's error once it actually executes.
func (g *Gate) Defer(category string, op func() error) <-chan error {
	done := make(chan error, 1)
	g.Run(category, func() {
		done <- op()
	})
	return done
}

// Pending reports how many operations are currently queued.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Active reports whether the gate is currently intercepting operations.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

func (g *Gate) drain(ops []pendingOp) {
	batch := g.cfg.DrainBatch
	if batch <= 0 {
		batch = 1
	}
	log.Debug("Video-first gate draining %d queued operations", len(ops))
	for start := 0; start < len(ops); start += batch {
		if start > 0 && g.cfg.DrainPause > 0 {
			time.Sleep(g.cfg.DrainPause)
		}
		end := start + batch
		if end > len(ops) {
			end = len(ops)
		}
		for _, op := range ops[start:end] {
			op.run()
		}
	}
}
