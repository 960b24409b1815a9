// Package poller implements the periodic liveness signal for claimed work.
package poller

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/log"
)

// ErrActive is returned by Resume while a poll loop is already running
var ErrActive = errors.New("poller already active")

// Poller drives a one-shot periodic task with two deadlines: period controls
// how often the predicate runs, expiration is the absolute instant after
// which OnExpiration fires. A predicate returning false means the claim was
// lost; OnFailure fires and the poller terminates. At most one active loop
// exists per Poller.
type Poller struct {
	mu     sync.Mutex
	active *activePoller
	logger zerolog.Logger
}

type activePoller struct {
	stopCh chan struct{}
	once   sync.Once
}

// New creates an idle poller
func New() *Poller {
	return &Poller{logger: log.Component("poller")}
}

// Resume starts the poll loop. poll runs every period until it returns
// false (onFailure fires), the expiration instant passes (onExpiration
// fires; zero means no expiration) or Pause is called.
func (p *Poller) Resume(poll func() bool, period time.Duration, expiration time.Time, onFailure, onExpiration func()) error {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return ErrActive
	}
	ap := &activePoller{stopCh: make(chan struct{})}
	p.active = ap
	p.mu.Unlock()

	go p.run(ap, poll, period, expiration, onFailure, onExpiration)
	return nil
}

func (p *Poller) run(ap *activePoller, poll func() bool, period time.Duration, expiration time.Time, onFailure, onExpiration func()) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var expireCh <-chan time.Time
	if !expiration.IsZero() {
		expire := time.NewTimer(time.Until(expiration))
		defer expire.Stop()
		expireCh = expire.C
	}
	for {
		select {
		case <-ticker.C:
			if !poll() {
				p.deactivate(ap)
				if onFailure != nil {
					onFailure()
				}
				return
			}
		case <-expireCh:
			p.deactivate(ap)
			if onExpiration != nil {
				onExpiration()
			}
			return
		case <-ap.stopCh:
			return
		}
	}
}

// deactivate clears the active loop if ap still owns it
func (p *Poller) deactivate(ap *activePoller) {
	p.mu.Lock()
	if p.active == ap {
		p.active = nil
	}
	p.mu.Unlock()
}

// Pause stops the active loop cleanly. Idempotent; a paused poller may be
// resumed again.
func (p *Poller) Pause() {
	p.mu.Lock()
	ap := p.active
	p.active = nil
	p.mu.Unlock()
	if ap != nil {
		ap.once.Do(func() { close(ap.stopCh) })
	}
}
