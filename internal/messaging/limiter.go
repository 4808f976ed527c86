package messaging

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cleanupInterval controls how often idle sender limiters are evicted.
const cleanupInterval = 10 * time.Minute

// SenderLimiter rate-limits inbound messages per sender. A limit of
// zero or less allows everything.
type SenderLimiter struct {
	perMinute int

	mu          sync.Mutex
	senders     map[string]*senderState
	lastCleanup time.Time
	now         func() time.Time
}

type senderState struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewSenderLimiter allows perMinute messages per sender, with bursts
// up to the same count.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	return &SenderLimiter{
		perMinute: perMinute,
		senders:   make(map[string]*senderState),
		now:       time.Now,
	}
}

// Allow reports whether a message from sender should be processed.
func (l *SenderLimiter) Allow(sender string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanupLocked(now)

	st, ok := l.senders[sender]
	if !ok {
		st = &senderState{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.senders[sender] = st
	}
	st.seen = now
	return st.limiter.AllowN(now, 1)
}

// maybeCleanupLocked drops senders idle long enough to have refilled
// their bucket. Must be called with l.mu held.
func (l *SenderLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	for sender, st := range l.senders {
		if now.Sub(st.seen) > 2*time.Minute {
			delete(l.senders, sender)
		}
	}
}

// Len returns the number of tracked senders.
func (l *SenderLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}
