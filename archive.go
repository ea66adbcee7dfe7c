package main

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"r0sim-server/sim"
)

const (
	archiveBufSize    = 256
	archiveBatchSize  = 50
	archiveFlushEvery = 5 * time.Second
)

// Archive writes finished run summaries to the database in batches from a
// background goroutine, so a restart never waits on disk.
type Archive struct {
	db     *DB
	events chan sim.RunSummary
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// mu orders Record against Stop: once stopped is set, nothing else
	// enters events.
	mu      sync.Mutex
	stopped bool
	written int
	dropped int
}

// NewArchive creates and starts the archive writer
func NewArchive(db *DB) *Archive {
	return newArchive(db, archiveFlushEvery)
}

func newArchive(db *DB, flushEvery time.Duration) *Archive {
	a := &Archive{
		db:     db,
		events: make(chan sim.RunSummary, archiveBufSize),
		stop:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writer(flushEvery)
	return a
}

// Record enqueues a summary for async persistence (non-blocking). It is
// safe to pass directly to Controller.OnRunEnd. Summaries recorded after
// Stop are counted as dropped.
func (a *Archive) Record(s sim.RunSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		a.dropped++
		return
	}
	select {
	case a.events <- s:
	default:
		// Channel full, drop rather than block the controller
		a.dropped++
	}
}

// Stats returns how many summaries were written and dropped so far
func (a *Archive) Stats() (written, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written, a.dropped
}

// Stop flushes pending summaries and shuts down the writer
func (a *Archive) Stop() {
	a.once.Do(func() {
		a.mu.Lock()
		a.stopped = true
		close(a.stop)
		a.mu.Unlock()
		a.wg.Wait()
	})
}

// writer is the background goroutine that batches and writes summaries
func (a *Archive) writer(flushEvery time.Duration) {
	defer a.wg.Done()

	batch := make([]sim.RunSummary, 0, archiveBatchSize)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case s := <-a.events:
			batch = append(batch, s)
			if len(batch) >= archiveBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			// Drain remaining summaries
			for {
				select {
				case s := <-a.events:
					batch = append(batch, s)
				default:
					a.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes a batch of summaries to the database
func (a *Archive) flush(runs []sim.RunSummary) {
	if a.db == nil || len(runs) == 0 {
		return
	}
	if err := a.db.InsertRuns(runs); err != nil {
		logrus.WithError(err).WithField("runs", len(runs)).Error("archive: insert failed")
		return
	}
	a.mu.Lock()
	a.written += len(runs)
	a.mu.Unlock()
	logrus.WithField("runs", len(runs)).Debug("archive: flushed")
}
