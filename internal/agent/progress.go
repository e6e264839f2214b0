package agent

import (
	"sync"
	"time"
)

// ProgressFunc receives intermediate progress content during a turn.
type ProgressFunc func(content string)

// minProgressInterval is the floor between delivered progress messages
// for one destination key.
const minProgressInterval = 2 * time.Second

type progressState struct {
	content string
	sentAt  time.Time
}

// progressThrottle suppresses duplicate and rapid-fire progress
// messages per destination key, so long tool chains do not flood a
// chat channel. Safe for concurrent use.
type progressThrottle struct {
	mu   sync.Mutex
	last map[string]progressState
	// now is swappable for tests.
	now func() time.Time
}

func newProgressThrottle() *progressThrottle {
	return &progressThrottle{
		last: make(map[string]progressState),
		now:  time.Now,
	}
}

// allow reports whether content may be delivered to key: identical
// content is suppressed, and anything within minProgressInterval of
// the last delivery is suppressed. A true result records the delivery.
func (p *progressThrottle) allow(key, content string) bool {
	if content == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	state, ok := p.last[key]
	if ok {
		if state.content == content {
			return false
		}
		if now.Sub(state.sentAt) < minProgressInterval {
			return false
		}
	}
	p.last[key] = progressState{content: content, sentAt: now}
	return true
}

// reset clears the throttle state for a key, typically at turn start.
func (p *progressThrottle) reset(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, key)
}
