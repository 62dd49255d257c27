package duckdb

import (
	"log"
	"sync"
	"time"
)

// DefaultRetentionCheckInterval is how often the cleaner runs after startup.
const DefaultRetentionCheckInterval = time.Hour

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	CheckInterval time.Duration
}

// RetentionCleaner periodically deletes detections older than the
// retention period.
type RetentionCleaner struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner runs one cleanup immediately and then every check
// interval. It returns nil when RetentionDays <= 0.
func NewRetentionCleaner(store *Store, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 {
		return nil
	}
	if conf.CheckInterval <= 0 {
		conf.CheckInterval = DefaultRetentionCheckInterval
	}

	rc := &RetentionCleaner{
		store:    store,
		maxAge:   time.Duration(conf.RetentionDays) * 24 * time.Hour,
		interval: conf.CheckInterval,
		done:     make(chan struct{}),
	}
	rc.cleanup()

	rc.wg.Add(1)
	go rc.loop()
	return rc
}

func (rc *RetentionCleaner) loop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	n, err := rc.store.DeleteBefore(time.Now().Add(-rc.maxAge))
	if err != nil {
		log.Printf("duckdb: retention cleanup error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("duckdb: retention cleanup deleted %d detections older than %s", n, rc.maxAge)
	}
}

// Stop ends the cleaner. Safe to call more than once and on a nil cleaner.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
