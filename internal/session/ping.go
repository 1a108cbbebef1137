package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxOutstandingPings bounds how many unanswered keepalive nonces are kept.
const maxOutstandingPings = 8

// pinger hands out keepalive nonces and measures round trips. It is shared
// between the keepalive goroutine and the read loop, so all state is either
// atomic or guarded by mu.
type pinger struct {
	seq atomic.Uint32
	rtt atomic.Int64

	mu          sync.Mutex
	outstanding map[uint32]time.Time
}

func newPinger() *pinger {
	return &pinger{outstanding: make(map[uint32]time.Time)}
}

// next returns a fresh nonce (monotonically increasing from 1) and records
// when it was sent.
func (p *pinger) next(now time.Time) uint32 {
	n := p.seq.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outstanding) >= maxOutstandingPings {
		var oldest uint32
		var oldestAt time.Time
		for k, at := range p.outstanding {
			if oldestAt.IsZero() || at.Before(oldestAt) {
				oldest, oldestAt = k, at
			}
		}
		delete(p.outstanding, oldest)
	}
	p.outstanding[n] = now
	return n
}

// ack consumes nonce and records the round trip. Unknown nonces are ignored.
func (p *pinger) ack(nonce uint32, now time.Time) bool {
	p.mu.Lock()
	sent, ok := p.outstanding[nonce]
	delete(p.outstanding, nonce)
	p.mu.Unlock()

	if !ok {
		return false
	}
	p.rtt.Store(int64(now.Sub(sent)))
	return true
}

// lastRTT returns the most recent round trip, zero before the first answer.
func (p *pinger) lastRTT() time.Duration {
	return time.Duration(p.rtt.Load())
}
