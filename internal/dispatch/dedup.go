package dispatch

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/command"
)

const (
	DefaultDedupTTL = 60 * time.Second
	// DefaultDedupSize bounds memory only. It sits far above what a node
	// finalizes in one TTL window (a full queue halted plus a flood of
	// rejected runs), so ids normally leave by age, not by eviction.
	DefaultDedupSize = 4096
)

type finalized struct {
	status command.Status
	at     time.Time
}

// dedup remembers recently finalized cmd_ids. The LRU bounds memory and
// evicts on wall time; age is also checked against the injected clock so
// the window follows the dispatcher's notion of now.
type dedup struct {
	clock clock.Clock
	ttl   time.Duration
	lru   *expirable.LRU[string, finalized]
}

func newDedup(clk clock.Clock, size int, ttl time.Duration, log logrus.FieldLogger) *dedup {
	d := &dedup{clock: clk, ttl: ttl}
	d.lru = expirable.NewLRU[string, finalized](size, func(id string, v finalized) {
		if age := d.clock.Now().Sub(v.at); age < d.ttl && log != nil {
			log.WithFields(logrus.Fields{"cmd_id": id, "age": age}).Warn("dedup window full, evicted early")
		}
	}, ttl)
	return d
}

// seen returns the terminal status cmdID resolved to within the window.
func (d *dedup) seen(cmdID string) (command.Status, bool) {
	v, ok := d.lru.Get(cmdID)
	if !ok {
		return "", false
	}
	if d.clock.Now().Sub(v.at) >= d.ttl {
		d.lru.Remove(cmdID)
		return "", false
	}
	return v.status, true
}

func (d *dedup) finalize(cmdID string, status command.Status) {
	if cmdID == "" {
		return
	}
	d.lru.Add(cmdID, finalized{status: status, at: d.clock.Now()})
}

func (d *dedup) len() int { return d.lru.Len() }
