package netclass

import "sync"

// Classifier holds the most recent signals and re-derives the profile on
// each connectivity-change event. Consumers call Current on demand; the
// change callbacks exist only for the UI boundary.
type Classifier struct {
	mu        sync.RWMutex
	signals   Signals
	listeners []func(Profile)
}

// NewClassifier returns a Classifier with no signals yet; Current reports
// the unknown profile until Set is called.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Set records fresh signals and notifies change listeners with the derived
// profile.
func (c *Classifier) Set(s Signals) {
	c.mu.Lock()
	c.signals = s
	listeners := make([]func(Profile), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	profile := Classify(s)
	for _, fn := range listeners {
		fn(profile)
	}
}

// Current derives the profile from the most recent signals.
func (c *Classifier) Current() Profile {
	c.mu.RLock()
	s := c.signals
	c.mu.RUnlock()
	return Classify(s)
}

// OnChange registers a callback invoked after every Set.
func (c *Classifier) OnChange(fn func(Profile)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}
