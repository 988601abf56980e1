package timer

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// startTickLocked replaces any live tick source with a fresh one.
func (c *Controller) startTickLocked() {
	c.cancelTickLocked()

	c.gen++
	h := &tickHandle{
		gen:  c.gen,
		stop: make(chan struct{}),
	}
	c.tick = h

	ticker := c.clock.NewTicker(c.period)
	go c.runTicker(ticker, h.gen, h.stop)
}

// cancelTickLocked stops the live tick source, if any. Ticks already in
// flight are dropped by the generation check in handleTick.
func (c *Controller) cancelTickLocked() {
	if c.tick == nil {
		return
	}
	close(c.tick.stop)
	c.tick = nil
}

func (c *Controller) runTicker(ticker clockwork.Ticker, gen uint64, stop <-chan struct{}) {
	defer stopAndDrainTicker(ticker)

	var seq uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			seq++
			if !c.handleTick(gen, seq) {
				return
			}
		}
	}
}

// handleTick applies one tick from generation gen. Each sequence number is
// applied at most once, and ticks from a cancelled generation are ignored.
func (c *Controller) handleTick(gen, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.tick
	if h == nil || h.gen != gen {
		return false
	}
	if seq <= h.lastSeq {
		log.Debug().Str("owner", c.ownerID).Uint64("seq", seq).Msg("duplicate tick ignored")
		return true
	}
	h.lastSeq = seq

	// A failed write is logged and kept in writeErr; the countdown keeps
	// going and the next successful write carries the current value.
	more, _ := c.tickLocked(c.ctx)
	return more
}

func stopAndDrainTicker(ticker clockwork.Ticker) {
	ticker.Stop()
	select {
	case <-ticker.Chan():
	default:
	}
}
