package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"records-backend/internal/store"
)

const flushTimeout = 5 * time.Second

// insertChunk bounds the rows per INSERT so a large backlog stays within the
// drivers' bind parameter limits.
const insertChunk = 500

// Buffer collects entries in memory and periodically flushes them to the
// _activity_log table in batch inserts. Flushes run on a bounded,
// non-blocking worker pool: when every worker is busy the entries stay
// buffered for the next flush, so Record never waits on the database.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	workers *ants.Pool
	wg      sync.WaitGroup
}

// NewBuffer creates a buffer that flushes on a timer or when full.
func NewBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushInterval time.Duration, workers int) (*Buffer, error) {
	if maxSize <= 0 {
		maxSize = 500
	}
	if workers <= 0 {
		workers = 1
	}
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		log.Printf("ERROR: activity flush panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create activity worker pool: %w", err)
	}

	b := &Buffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		done:    make(chan struct{}),
		workers: pool,
		ticker:  time.NewTicker(flushInterval),
	}
	go b.run()
	return b, nil
}

func (b *Buffer) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.submitFlush()
		}
	}
}

// Record adds an entry to the buffer. A full buffer schedules a flush.
func (b *Buffer) Record(e Entry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	shouldFlush := len(b.entries) >= b.maxSize
	b.mu.Unlock()
	if shouldFlush {
		b.submitFlush()
	}
}

func (b *Buffer) submitFlush() {
	b.wg.Add(1)
	if err := b.workers.Submit(func() {
		defer b.wg.Done()
		b.Flush()
	}); err != nil {
		b.wg.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return // a flush is already running; it or the next tick picks these up
		}
		log.Printf("WARN: activity flush not scheduled: %v", err)
	}
}

// Flush writes all buffered entries to the database in a single batch insert.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := Insert(ctx, b.db, b.dialect, batch); err != nil {
		log.Printf("ERROR: activity buffer insert of %d entries: %v", len(batch), err)
	}
}

// Stop halts the background ticker, waits for in-flight flushes and writes
// remaining entries.
func (b *Buffer) Stop() {
	b.ticker.Stop()
	close(b.done)
	b.wg.Wait()
	b.Flush()
	_ = b.workers.ReleaseTimeout(3 * time.Second)
}

// Insert writes entries to _activity_log, insertChunk rows per statement.
func Insert(ctx context.Context, q store.Querier, dialect store.Dialect, entries []Entry) error {
	for start := 0; start < len(entries); start += insertChunk {
		end := min(start+insertChunk, len(entries))
		if err := insertRows(ctx, q, dialect, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func insertRows(ctx context.Context, q store.Querier, dialect store.Dialect, entries []Entry) error {
	cols := []string{"id", "table_name", "record_id", "action", "diff", "user_id", "created_at"}
	pb := dialect.NewParamBuilder()
	placeholders := make([]string, 0, len(entries))
	for _, e := range entries {
		var diff any
		if e.Diff != nil {
			raw, err := json.Marshal(e.Diff)
			if err != nil {
				return fmt.Errorf("encode diff for %s/%s: %w", e.Table, e.RecordID, err)
			}
			diff = string(raw)
		}
		var userID any
		if e.UserID != "" {
			userID = e.UserID
		}
		id := e.ID
		if id == "" {
			id = newID()
		}
		ph := []string{
			pb.Add(id),
			pb.Add(e.Table),
			pb.Add(e.RecordID),
			pb.Add(e.Action),
			pb.Add(diff),
			pb.Add(userID),
			pb.Add(dialect.BindValue(e.Timestamp.UTC())),
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sqlStr := fmt.Sprintf("INSERT INTO _activity_log (%s) VALUES %s",
		strings.Join(cols, ","), strings.Join(placeholders, ","))
	_, err := q.ExecContext(ctx, sqlStr, pb.Params()...)
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
