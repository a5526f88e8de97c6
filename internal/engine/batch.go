package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// BatchMode selects how a batch reacts to a failing item.
type BatchMode string

const (
	// BatchAllOrNothing validates every item, then writes all of them in one
	// transaction; any failure leaves storage unchanged.
	BatchAllOrNothing BatchMode = "all-or-nothing"
	// BatchBestEffort applies each item in its own transaction and reports
	// the failures.
	BatchBestEffort BatchMode = "best-effort"
)

// ParseBatchMode accepts both dash and underscore spellings; empty means
// all-or-nothing.
func ParseBatchMode(s string) (BatchMode, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "", string(BatchAllOrNothing), "atomic":
		return BatchAllOrNothing, nil
	case string(BatchBestEffort), "partial":
		return BatchBestEffort, nil
	}
	return "", InvalidValueError("mode", fmt.Sprintf("Unknown batch mode %q; expected all-or-nothing or best-effort", s))
}

// BatchOptions controls a batch run. ReturnRecords includes the written
// records in the result.
type BatchOptions struct {
	Mode          BatchMode
	ReturnRecords bool
}

// BatchItemError is the failure of one best-effort item.
type BatchItemError struct {
	Index int       `json:"index"`
	ID    string    `json:"id,omitempty"`
	Error *AppError `json:"error"`
}

// BatchResult aggregates per-item outcomes of a batch.
type BatchResult struct {
	Action  string // created, updated, deleted or restored
	Count   int
	Skipped []string
	Errors  []BatchItemError
	Records []map[string]any
}

func (r *BatchResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		r.Action:  r.Count,
		"skipped": nonNil(r.Skipped),
		"errors":  r.Errors,
	}
	if r.Errors == nil {
		out["errors"] = []BatchItemError{}
	}
	if r.Records != nil {
		out["records"] = r.Records
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// BatchUpdateItem is one partial update of a batch.
type BatchUpdateItem struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// failedMutation reports a malformed item through the normal batch path.
type failedMutation struct{ err error }

func (m failedMutation) prepare(context.Context, store.Querier) error { return m.err }
func (m failedMutation) apply(context.Context, store.Querier) (*outcome, error) {
	return nil, m.err
}

type batchSpec struct {
	entity  *metadata.Entity
	action  string
	mode    BatchMode
	records bool // include written records in the result
	muts    []mutation
	ids     []string
}

func (e *Engine) checkBatchSize(n int) error {
	if n > e.opts.MaxBatchSize {
		return BatchTooLargeError(n, e.opts.MaxBatchSize)
	}
	return nil
}

// runBatch executes the batch's mutations according to its mode.
func (e *Engine) runBatch(ctx context.Context, rc *RequestContext, spec batchSpec) (*BatchResult, error) {
	res := &BatchResult{Action: spec.action}
	add := func(out *outcome) {
		if out.Skipped {
			res.Skipped = append(res.Skipped, out.ID)
			return
		}
		res.Count++
		if spec.records {
			res.Records = append(res.Records, present(rc, spec.entity, out.Record))
		}
	}
	if spec.records {
		res.Records = []map[string]any{}
	}

	if spec.mode == BatchBestEffort {
		for i, m := range spec.muts {
			out, err := e.run(ctx, rc, m)
			if err != nil {
				res.Errors = append(res.Errors, BatchItemError{Index: i, ID: spec.ids[i], Error: toAppError(err)})
				continue
			}
			add(out)
		}
		return res, nil
	}

	// Items are prepared and applied in order so each one sees the writes of
	// the items before it. Once an item fails validation nothing more is
	// written; the remaining items are still validated for the report.
	var outs []*outcome
	err := e.inTx(ctx, rc, func(ctx context.Context, tx store.Querier) error {
		var details []ErrorDetail
		outs = make([]*outcome, 0, len(spec.muts))
		for i, m := range spec.muts {
			if err := m.prepare(ctx, tx); err != nil {
				var appErr *AppError
				if !errors.As(err, &appErr) {
					return err
				}
				details = append(details, withIndex(appErr, i).Details...)
				continue
			}
			if len(details) > 0 {
				continue
			}
			out, err := m.apply(ctx, tx)
			if err != nil {
				return withIndex(toAppError(store.MapError(e.store.Dialect, err)), i)
			}
			outs = append(outs, out)
		}
		if len(details) > 0 {
			return ValidationError(details)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, out := range outs {
		add(out)
		e.emit(out.Entries)
	}
	return res, nil
}

// BatchCreate inserts every item.
func (e *Engine) BatchCreate(ctx context.Context, rc *RequestContext, table string, items []map[string]any, opts BatchOptions) (*BatchResult, error) {
	rc = rc.begin()
	if err := e.checkBatchSize(len(items)); err != nil {
		return nil, err
	}
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionCreate); err != nil {
		return nil, err
	}
	spec := batchSpec{entity: entity, action: "created", mode: opts.Mode, records: opts.ReturnRecords}
	for _, item := range items {
		if item == nil {
			spec.muts = append(spec.muts, failedMutation{InvalidPayloadError("Batch item must be an object")})
		} else {
			spec.muts = append(spec.muts, &createMutation{e: e, rc: rc, entity: entity, payload: item})
		}
		spec.ids = append(spec.ids, "")
	}
	return e.runBatch(ctx, rc, spec)
}

// BatchUpdate applies partial updates to the listed records.
func (e *Engine) BatchUpdate(ctx context.Context, rc *RequestContext, table string, items []BatchUpdateItem, opts BatchOptions) (*BatchResult, error) {
	rc = rc.begin()
	if err := e.checkBatchSize(len(items)); err != nil {
		return nil, err
	}
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionUpdate); err != nil {
		return nil, err
	}
	spec := batchSpec{entity: entity, action: "updated", mode: opts.Mode, records: opts.ReturnRecords}
	for _, item := range items {
		if item.ID == "" {
			spec.muts = append(spec.muts, failedMutation{InvalidPayloadError("Batch update item requires an id")})
		} else {
			spec.muts = append(spec.muts, &updateMutation{e: e, rc: rc, entity: entity, id: item.ID, payload: item.Fields})
		}
		spec.ids = append(spec.ids, item.ID)
	}
	return e.runBatch(ctx, rc, spec)
}

// BatchDelete deletes the listed records. Records already soft-deleted are
// reported as skipped.
func (e *Engine) BatchDelete(ctx context.Context, rc *RequestContext, table string, ids []string, permanent bool, opts BatchOptions) (*BatchResult, error) {
	rc = rc.begin()
	if err := e.checkBatchSize(len(ids)); err != nil {
		return nil, err
	}
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	action := metadata.ActionDelete
	if permanent {
		action = metadata.ActionPermanentDelete
	}
	if err := rc.authorize(entity.Name, action); err != nil {
		return nil, err
	}
	spec := batchSpec{entity: entity, action: "deleted", mode: opts.Mode, records: opts.ReturnRecords}
	for _, id := range ids {
		spec.muts = append(spec.muts, &deleteMutation{e: e, rc: rc, entity: entity, id: id, permanent: permanent, batch: true})
		spec.ids = append(spec.ids, id)
	}
	return e.runBatch(ctx, rc, spec)
}

// BatchRestore restores the listed records. Active records are reported as
// skipped.
func (e *Engine) BatchRestore(ctx context.Context, rc *RequestContext, table string, ids []string, opts BatchOptions) (*BatchResult, error) {
	rc = rc.begin()
	if err := e.checkBatchSize(len(ids)); err != nil {
		return nil, err
	}
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionRestore); err != nil {
		return nil, err
	}
	spec := batchSpec{entity: entity, action: "restored", mode: opts.Mode, records: opts.ReturnRecords}
	for _, id := range ids {
		spec.muts = append(spec.muts, &restoreMutation{e: e, rc: rc, entity: entity, id: id})
		spec.ids = append(spec.ids, id)
	}
	return e.runBatch(ctx, rc, spec)
}
