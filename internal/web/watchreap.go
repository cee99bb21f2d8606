package web

import (
	"context"
	"time"
)

const (
	// watchIdleAfter is how long a device may go unviewed before its
	// watch session is ended. The open detail page refreshes itself
	// every 30 seconds, so anything past this window has no viewer.
	watchIdleAfter = 2 * time.Minute

	watchReapInterval = 30 * time.Second
)

// markWatched records page activity for a device. Called on every
// detail page render, full or partial.
func (s *WebServer) markWatched(deviceID int64) {
	s.watchMu.Lock()
	s.watchSeen[deviceID] = s.now()
	s.watchMu.Unlock()
}

// ReapIdleWatches ends the watch session of every device with no page
// activity within idleAfter and reports how many were ended. Without
// this, each device ever viewed would keep a live broker subscription
// until shutdown.
func (s *WebServer) ReapIdleWatches(idleAfter time.Duration) int {
	cutoff := s.now().Add(-idleAfter)

	s.watchMu.Lock()
	var stale []int64
	for id, seen := range s.watchSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
			delete(s.watchSeen, id)
		}
	}
	s.watchMu.Unlock()

	for _, id := range stale {
		s.logger.Debug("ending idle watch session", "device_id", id)
		s.binder.Unwatch(id)
	}
	return len(stale)
}

// RunWatchReaper reaps idle watch sessions on a fixed interval until
// ctx is cancelled. Run it in its own goroutine.
func (s *WebServer) RunWatchReaper(ctx context.Context) {
	ticker := time.NewTicker(watchReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdleWatches(watchIdleAfter)
		}
	}
}
