package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/authredirect/internal/log"
)

// sweepTimeout bounds one sweep so a stuck backend cannot stall shutdown
const sweepTimeout = 30 * time.Second

// Cleaner removes expired sessions
type Cleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// CleanupManager sweeps expired browser sessions on an interval, once at
// start and once more on Stop
type CleanupManager struct {
	cleaner  Cleaner
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(cleaner Cleaner, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		cleaner:  cleaner,
		interval: interval,
	}
}

// Start begins the cleanup loop in a goroutine. The loop ends when ctx is
// done or Stop is called. Starting twice is a no-op.
func (cm *CleanupManager) Start(ctx context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.done != nil {
		return
	}

	log.LogInfoWithFields("cleanup", "Starting session cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.done = make(chan struct{})
	go cm.run(ctx, cm.done)
}

// Stop ends the loop, runs a final sweep and waits for it
func (cm *CleanupManager) Stop() {
	cm.mu.Lock()
	cancel, done := cm.cancel, cm.done
	cm.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	<-done

	// The loop's context is gone, the final sweep gets its own
	cm.sweep(context.Background())
	log.LogInfo("Session cleanup manager stopped")
}

func (cm *CleanupManager) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			cm.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	count, err := cm.cleaner.CleanupExpiredSessions(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to cleanup expired sessions", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired sessions", map[string]any{
			"count":    count,
			"duration": time.Since(start).String(),
		})
	}
}
