package idbstore

import (
	"time"
)

// cleanupScheduler debounces recovery journal cleanups. It is only touched
// while the store sequence is held.
type cleanupScheduler struct {
	timer   *time.Timer
	gen     uint64
	running bool

	numRequests     int
	windowStart     time.Time
	executeOnNoTxns bool
}

// stop cancels the pending cleanup, if any, and reports whether there was one.
func (c *cleanupScheduler) stop() bool {
	wasRunning := c.running
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.running = false
	c.gen++
	return wasRunning
}

// startJournalCleaningTimer requests a recovery journal cleanup. Requests
// arriving within the window collapse into one delayed cleanup; too many
// pending requests or an expired window clean up right away.
func (s *Store) startJournalCleaningTimer() {
	s.seq.assertHeld("startJournalCleaningTimer")
	c := &s.cleaner
	c.numRequests++
	if c.executeOnNoTxns {
		return
	}

	if c.numRequests >= s.opt.MaxJournalCleanRequests {
		s.cleanNow()
		return
	}

	now := s.now()
	if c.windowStart.IsZero() || !c.running {
		c.windowStart = now
	}
	delay := min(s.opt.JournalCleanInitialDelay, s.opt.JournalCleanMaxWindow-now.Sub(c.windowStart))
	if delay <= 0 {
		s.cleanNow()
		return
	}

	c.stop()
	c.running = true
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() {
		s.journalCleaningTimerFired(gen)
	})
}

func (s *Store) cleanNow() {
	s.cleaner.stop()
	s.cleaner.numRequests = 0
	s.cleaner.windowStart = time.Time{}
	s.cleanRecoveryJournalIgnoreReturn()
}

func (s *Store) journalCleaningTimerFired(gen uint64) {
	defer s.seq.enter("journalCleaningTimer")()
	if s.closed || s.cleaner.gen != gen || !s.cleaner.running {
		return
	}
	s.cleaner.running = false
	s.cleaner.timer = nil
	s.cleanRecoveryJournalIgnoreReturn()
}

// IsBlobCleanupPending reports whether a debounced cleanup is scheduled.
func (s *Store) IsBlobCleanupPending() bool {
	defer s.seq.enter("IsBlobCleanupPending")()
	return s.cleaner.running
}

// ForceRunBlobCleanup runs a scheduled cleanup immediately instead of waiting
// for its timer.
func (s *Store) ForceRunBlobCleanup() {
	defer s.seq.enter("ForceRunBlobCleanup")()
	if s.closed {
		return
	}
	if s.cleaner.stop() {
		s.cleanRecoveryJournalIgnoreReturn()
	}
}
