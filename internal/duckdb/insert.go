package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// Insert buffer defaults.
const (
	DefaultBatchSize      = 256
	DefaultFlushInterval  = 500 * time.Millisecond
	DefaultFlushQueueSize = 64
	DefaultIntakeSize     = 4096
	DefaultJournalRetries = 3
)

const journalRetryDelay = 200 * time.Millisecond

type journaledRecord struct {
	seq    uint64
	record *model.DetectionRecord
}

// Journal is the write-ahead log the buffer appends to before queueing.
type Journal interface {
	Append(record *model.DetectionRecord) (uint64, error)
	Commit(seq uint64) error
	Close() error
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	// IntakeSize bounds the records accepted by Add but not yet journaled.
	IntakeSize int
	// JournalRetries is how often a failed append is retried before the
	// record is queued without journal protection. Zero means the default,
	// negative means no retries.
	JournalRetries int
	Journal        Journal
}

// InsertBuffer batches detections and writes them on a background worker.
// Add only queues: journaling and inserts happen on the buffer's own
// goroutines.
type InsertBuffer struct {
	writer         model.DetectionWriter
	journal        Journal
	maxBatch       int
	flushInterval  time.Duration
	journalRetries int

	intake chan *model.DetectionRecord

	mu      sync.Mutex
	pending []journaledRecord

	flushChan chan []journaledRecord
	done      chan struct{}
	workerWg  sync.WaitGroup
	intakeWg  sync.WaitGroup
	stopOnce  sync.Once

	dropped       atomic.Int64
	unjournaled   atomic.Int64
	inlineFlushes atomic.Int64
	lastInlineLog atomic.Int64
}

// NewInsertBuffer starts the intake loop and the flush worker.
func NewInsertBuffer(writer model.DetectionWriter, conf InsertBufferConfig) *InsertBuffer {
	if conf.BatchSize <= 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.FlushInterval <= 0 {
		conf.FlushInterval = DefaultFlushInterval
	}
	if conf.FlushQueueSize <= 0 {
		conf.FlushQueueSize = DefaultFlushQueueSize
	}
	if conf.IntakeSize <= 0 {
		conf.IntakeSize = DefaultIntakeSize
	}
	if conf.JournalRetries < 0 {
		conf.JournalRetries = 0
	} else if conf.JournalRetries == 0 {
		conf.JournalRetries = DefaultJournalRetries
	}

	b := &InsertBuffer{
		writer:         writer,
		journal:        conf.Journal,
		maxBatch:       conf.BatchSize,
		flushInterval:  conf.FlushInterval,
		journalRetries: conf.JournalRetries,
		intake:         make(chan *model.DetectionRecord, conf.IntakeSize),
		pending:        make([]journaledRecord, 0, conf.BatchSize),
		flushChan:      make(chan []journaledRecord, conf.FlushQueueSize),
		done:           make(chan struct{}),
	}

	b.workerWg.Add(1)
	go b.flushWorker()
	b.intakeWg.Add(1)
	go b.intakeLoop()
	return b
}

// Add assigns an event id and queues the record. It never blocks: when the
// intake is full, or the buffer is stopped, the record is dropped and
// counted.
func (b *InsertBuffer) Add(record *model.DetectionRecord) {
	if record == nil {
		return
	}
	if record.EventID == "" {
		record.EventID = uuid.NewString()
	}

	select {
	case <-b.done:
		b.drop(record, "buffer stopped")
		return
	default:
	}
	select {
	case b.intake <- record:
	default:
		b.drop(record, "intake full")
	}
}

// Dropped reports how many records Add could not queue.
func (b *InsertBuffer) Dropped() int64 { return b.dropped.Load() }

// Unjournaled reports how many records were queued after their journal
// append kept failing.
func (b *InsertBuffer) Unjournaled() int64 { return b.unjournaled.Load() }

func (b *InsertBuffer) drop(record *model.DetectionRecord, reason string) {
	n := b.dropped.Add(1)
	log.Printf("duckdb: dropping detection %s (%s), %d dropped so far", record.EventID, reason, n)
}

// intakeLoop owns journaling and batching. After Stop it drains whatever
// Add queued before returning.
func (b *InsertBuffer) intakeLoop() {
	defer b.intakeWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record := <-b.intake:
			b.accept(record)
		case <-ticker.C:
			b.drain()
		case <-b.done:
			for {
				select {
				case record := <-b.intake:
					b.accept(record)
				default:
					b.drain()
					return
				}
			}
		}
	}
}

func (b *InsertBuffer) accept(record *model.DetectionRecord) {
	seq, err := b.appendJournal(record)
	if err != nil {
		b.unjournaled.Add(1)
		log.Printf("duckdb: journal append failed, storing %s unjournaled: %v", record.EventID, err)
	}

	b.mu.Lock()
	b.pending = append(b.pending, journaledRecord{seq: seq, record: record})
	var batch []journaledRecord
	if len(b.pending) >= b.maxBatch {
		batch = b.takePendingLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// appendJournal tries the append once plus JournalRetries times. A zero
// sequence means the record is not journaled.
func (b *InsertBuffer) appendJournal(record *model.DetectionRecord) (uint64, error) {
	if b.journal == nil {
		return 0, nil
	}
	var err error
	for attempt := 0; attempt <= b.journalRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-b.done:
				return 0, fmt.Errorf("journal append: %w (gave up at shutdown)", err)
			case <-time.After(journalRetryDelay):
			}
		}
		var seq uint64
		if seq, err = b.journal.Append(record); err == nil {
			return seq, nil
		}
	}
	return 0, fmt.Errorf("journal append after %d attempts: %w", b.journalRetries+1, err)
}

// Stop drains pending records, waits for every write, and closes the journal.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.intakeWg.Wait()
		close(b.flushChan)
		b.workerWg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				log.Printf("duckdb: journal close error: %v", err)
			}
		}
	})
}

func (b *InsertBuffer) takePendingLocked() []journaledRecord {
	batch := b.pending
	b.pending = make([]journaledRecord, 0, b.maxBatch)
	return batch
}

func (b *InsertBuffer) drain() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takePendingLocked()
	b.mu.Unlock()
	b.enqueue(batch)
}

// enqueue hands batch to the worker, or writes it inline when the queue is
// full so memory stays bounded.
func (b *InsertBuffer) enqueue(batch []journaledRecord) {
	select {
	case b.flushChan <- batch:
	default:
		n := b.inlineFlushes.Add(1)
		now := time.Now().Unix()
		if last := b.lastInlineLog.Load(); now-last >= 10 && b.lastInlineLog.CompareAndSwap(last, now) {
			log.Printf("duckdb: flush queue full, %d inline flushes so far", n)
		}
		if err := b.flush(batch); err != nil {
			log.Printf("duckdb: inline flush error: %v", err)
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.workerWg.Done()
	for batch := range b.flushChan {
		if err := b.flush(batch); err != nil {
			log.Printf("duckdb: flush error: %v", err)
		}
	}
}

func (b *InsertBuffer) flush(batch []journaledRecord) error {
	if len(batch) == 0 {
		return nil
	}
	records := make([]*model.DetectionRecord, len(batch))
	var maxSeq uint64
	for i, item := range batch {
		records[i] = item.record
		maxSeq = max(maxSeq, item.seq)
	}

	if err := b.writer.InsertDetectionBatch(records); err != nil {
		return err
	}
	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			return fmt.Errorf("journal commit seq=%d: %w", maxSeq, err)
		}
	}
	return nil
}

// InsertDetectionBatch writes records in one transaction. When the batch
// fails it is retried record by record and the bad ones are dropped.
func (s *Store) InsertDetectionBatch(records []*model.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertTx(ctx, records); err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if err := s.insertTx(ctx, []*model.DetectionRecord{r}); err != nil {
			failed++
			log.Printf("duckdb: dropping detection (event=%s target=%s location=%d): %v", r.EventID, r.Target, r.Location, err)
		}
	}
	if failed > 0 {
		log.Printf("duckdb: batch partially failed, %d/%d detections dropped", failed, len(records))
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, records []*model.DetectionRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO detections
		(event_id, received_at, observed_at, target, is_found, location, x, y, time_raw, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		eventID := r.EventID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		receivedAt := r.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now()
		}
		var observedAt sql.NullTime
		if !r.ObservedAt.IsZero() {
			observedAt = sql.NullTime{Time: r.ObservedAt.UTC(), Valid: true}
		}
		var x, y sql.NullInt64
		if r.Located {
			x = sql.NullInt64{Int64: int64(r.X), Valid: true}
			y = sql.NullInt64{Int64: int64(r.Y), Valid: true}
		}

		if _, err = stmt.ExecContext(ctx,
			eventID, receivedAt.UTC(), observedAt, r.Target, r.IsFound,
			r.Location, x, y, r.Time, r.SessionID,
		); err != nil {
			return fmt.Errorf("detection insert: %w", err)
		}
	}
	return tx.Commit()
}
