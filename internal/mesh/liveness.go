package mesh

import (
	"sync"
	"time"

	"github.com/meshrtc/meshcall/internal/core"
)

// Monitor reaps invitations that were never answered. Every watched id gets
// an independent timer counted from the moment the offer was sent, so a
// timer registered late still expires at the original deadline.
type Monitor struct {
	mu      sync.Mutex
	timeout time.Duration
	timers  map[core.ParticipantID]*time.Timer
	expired func(id core.ParticipantID)
	stopped bool
}

func NewMonitor(timeout time.Duration, expired func(id core.ParticipantID)) *Monitor {
	return &Monitor{
		timeout: timeout,
		timers:  make(map[core.ParticipantID]*time.Timer),
		expired: expired,
	}
}

// Watch arms the countdown for id. A watch for an id that is already
// watched replaces the previous timer.
func (m *Monitor) Watch(id core.ParticipantID, sentAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
	}

	delay := m.timeout - time.Since(sentAt)
	if delay < 0 {
		delay = 0
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.fire(id)
	})
}

// Cancel disarms the countdown for id, reporting whether it was still
// pending. An answer that arrives in time cancels instead of firing.
func (m *Monitor) Cancel(id core.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.timers[id]
	if !ok {
		return false
	}
	delete(m.timers, id)
	timer.Stop()
	return true
}

// Stop disarms every countdown and rejects further watches.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Monitor) fire(id core.ParticipantID) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, ok := m.timers[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	m.expired(id)
}
