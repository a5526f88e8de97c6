package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"records-backend/internal/activity"
	"records-backend/internal/config"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// Options bound the engine's request handling.
type Options struct {
	DefaultLimit int
	MaxLimit     int
	MaxBatchSize int
	Timeout      time.Duration
}

// OptionsFromConfig converts the engine config section.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		DefaultLimit: cfg.DefaultLimit,
		MaxLimit:     cfg.MaxLimit,
		MaxBatchSize: cfg.MaxBatchSize,
		Timeout:      cfg.Timeout(),
	}
}

// Engine executes record queries and mutations against the store.
type Engine struct {
	store    *store.Store
	registry *metadata.Registry
	sink     activity.Sink
	opts     Options
}

func New(s *store.Store, reg *metadata.Registry, sink activity.Sink, opts Options) *Engine {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if sink == nil {
		sink = activity.Noop{}
	}
	return &Engine{store: s, registry: reg, sink: sink, opts: opts}
}

// Registry returns the schema registry the engine resolves tables from.
func (e *Engine) Registry() *metadata.Registry {
	return e.registry
}

func (e *Engine) resolve(table string) (*metadata.Entity, error) {
	entity := e.registry.GetEntity(table)
	if entity == nil {
		return nil, UnknownEntityError(table)
	}
	return entity, nil
}

func (e *Engine) timeout(rc *RequestContext) time.Duration {
	if rc.Timeout > 0 {
		return rc.Timeout
	}
	return e.opts.Timeout
}

// readContext bounds a non-transactional read.
func (e *Engine) readContext(ctx context.Context, rc *RequestContext) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout(rc))
}

// inTx runs fn in one transaction and classifies any failure.
func (e *Engine) inTx(ctx context.Context, rc *RequestContext, fn func(ctx context.Context, tx store.Querier) error) error {
	err := e.store.WithTx(ctx, e.timeout(rc), func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx)
	})
	if err != nil {
		return toAppError(store.MapError(e.store.Dialect, err))
	}
	return nil
}

// emit hands committed changes to the activity sink.
func (e *Engine) emit(entries []activity.Entry) {
	for _, entry := range entries {
		e.sink.Record(entry)
	}
}

func (e *Engine) entry(rc *RequestContext, table, id, action string, diff any) activity.Entry {
	user := ""
	if rc.User != nil {
		user = rc.User.ID
	}
	return activity.Entry{
		Table:     table,
		RecordID:  id,
		Action:    action,
		Diff:      diff,
		UserID:    user,
		Timestamp: rc.now(),
	}
}

// newRecordID returns a time-ordered UUID for a new record.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
