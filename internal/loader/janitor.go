package loader

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tunecast/mediaload/pkg/icron"
	"github.com/tunecast/mediaload/pkg/log"
)

type janitorHandle struct {
	cron *cron.Cron
}

// startJanitor schedules the periodic expiry sweep. The sweep is routed
// through the video-first gate as a "persistence" operation so it queues
// while a video is establishing playback on cellular.
func (m *Manager) startJanitor() error {
	if m.cfg.JanitorCron == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.cfg.JanitorCron, func() {
		if m.deps.Gate != nil {
			m.deps.Gate.Run("persistence", m.sweep)
			return
		}
		m.sweep()
	})
	if err != nil {
		return err
	}
	c.Start()
	m.janitor = janitorHandle{cron: c}
	if info, ierr := icron.Describe(m.cfg.JanitorCron, time.Now()); ierr == nil {
		log.Debug("Janitor scheduled (%s), first sweep in %s", info.Expression, info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

func (m *Manager) stopJanitor() {
	if m.janitor.cron != nil {
		m.janitor.cron.Stop()
	}
}

// sweep evicts expired completed entries and cooldown records whose window
// has elapsed, keeping the maps and the store from accumulating dead keys.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for key, at := range m.completed {
		if now.Sub(at) >= m.cfg.CompletedTTL {
			delete(m.completed, key)
			expired = append(expired, key)
		}
	}
	for key, fr := range m.failures {
		if now.Sub(fr.lastAttempt) >= m.cfg.CooldownWindow {
			delete(m.failures, key)
		}
	}
	m.mu.Unlock()

	if m.deps.Completed != nil {
		for _, key := range expired {
			if err := m.deps.Completed.DeleteCompleted(m.ctx, key); err != nil {
				log.Warn("Janitor failed to evict %s: %v", key, err)
			}
		}
	}
	if len(expired) > 0 {
		log.Debug("Janitor evicted %d expired completed entries", len(expired))
	}
}
