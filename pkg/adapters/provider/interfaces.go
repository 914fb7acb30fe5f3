// Package provider implements the adaptor layer over external data
// providers. Each provider type registers a factory; an adaptor is
// constructed once per data source load and normalizes provider-specific
// paging, auth, and webhook formats into a common interface.
package provider

import "context"

// ExternalRecord is one record as fetched from a provider: the provider's
// stable ID plus the raw payload. The payload is schemaless; core logic must
// treat it as opaque lookup-by-key.
type ExternalRecord struct {
	ExternalID string
	JSON       map[string]any
}

// RecordIterator is a lazy, restartable record sequence. Adaptors page
// transparently inside Next. After Next returns false, Err reports whether
// the sequence ended cleanly or a fetch failed mid-way; records already
// produced stay valid either way. The import pipeline decides whether to
// keep partial progress.
type RecordIterator interface {
	Next(ctx context.Context) (ExternalRecord, bool)
	Err() error
}

// Adaptor is the capability set common to all providers.
//
// ExtractExternalRecordIDs must be a pure function: no I/O, and a malformed
// or unrecognized body yields an empty slice rather than an error, because
// providers retry failed webhook deliveries aggressively.
type Adaptor interface {
	// Type returns the provider type string this adaptor serves.
	Type() string

	// FetchAll returns a lazy sequence of every record in the source.
	FetchAll(ctx context.Context) RecordIterator

	// ExtractExternalRecordIDs parses a webhook body (JSON or form-encoded,
	// provider-dependent) into the external record IDs it references.
	ExtractExternalRecordIDs(body []byte) []string
}

// WebhookManager is implemented by adaptors whose provider supports
// registering webhooks. Callers type-assert.
type WebhookManager interface {
	// RegisterWebhook registers callbackURL with the provider and returns
	// the provider's webhook ID.
	RegisterWebhook(ctx context.Context, callbackURL string) (string, error)

	// RemoveWebhooks removes every webhook this integration registered.
	RemoveWebhooks(ctx context.Context) error
}

// CursorPoller is implemented by adaptors whose webhooks are bare pings
// (Airtable-style): the notification carries no record IDs, and changed
// records are pulled from a payload endpoint with a server-maintained cursor.
// The cursor must be advanced exactly once per poll; callers persist the
// returned cursor before acting on the IDs.
type CursorPoller interface {
	// PollChanges returns record IDs changed since cursor, plus the cursor
	// to persist for the next poll.
	PollChanges(ctx context.Context, cursor int) (ids []string, nextCursor int, err error)
}

// sliceIterator yields records from a fully materialized slice.
// Used by one-shot providers (CSV, spreadsheets).
type sliceIterator struct {
	records []ExternalRecord
	pos     int
	err     error
}

func newSliceIterator(records []ExternalRecord, err error) *sliceIterator {
	return &sliceIterator{records: records, err: err}
}

func (it *sliceIterator) Next(ctx context.Context) (ExternalRecord, bool) {
	if ctx.Err() != nil {
		if it.err == nil {
			it.err = ctx.Err()
		}
		return ExternalRecord{}, false
	}
	if it.pos >= len(it.records) {
		return ExternalRecord{}, false
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true
}

func (it *sliceIterator) Err() error {
	return it.err
}

// pageFunc fetches one page. It returns the page's records, the cursor for
// the next page ("" when exhausted), and any fetch error.
type pageFunc func(ctx context.Context, cursor string) ([]ExternalRecord, string, error)

// pageIterator pulls pages on demand so a multi-thousand-record source never
// lives in memory at once.
type pageIterator struct {
	fetch   pageFunc
	buf     []ExternalRecord
	pos     int
	cursor  string
	started bool
	done    bool
	err     error
}

func newPageIterator(fetch pageFunc) *pageIterator {
	return &pageIterator{fetch: fetch}
}

func (it *pageIterator) Next(ctx context.Context) (ExternalRecord, bool) {
	for {
		if it.err != nil {
			return ExternalRecord{}, false
		}
		if it.pos < len(it.buf) {
			rec := it.buf[it.pos]
			it.pos++
			return rec, true
		}
		if it.done {
			return ExternalRecord{}, false
		}
		if it.started && it.cursor == "" {
			it.done = true
			return ExternalRecord{}, false
		}

		records, next, err := it.fetch(ctx, it.cursor)
		it.started = true
		if err != nil {
			it.err = err
			return ExternalRecord{}, false
		}
		it.buf = records
		it.pos = 0
		it.cursor = next
		if len(records) == 0 && next == "" {
			it.done = true
			return ExternalRecord{}, false
		}
	}
}

func (it *pageIterator) Err() error {
	return it.err
}

// FilterByExternalIDs wraps an iterator, yielding only records whose external
// ID is in ids. Used for webhook-driven imports against providers with no
// per-record fetch endpoint.
func FilterByExternalIDs(inner RecordIterator, ids []string) RecordIterator {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return &filterIterator{inner: inner, want: want}
}

type filterIterator struct {
	inner RecordIterator
	want  map[string]bool
}

func (it *filterIterator) Next(ctx context.Context) (ExternalRecord, bool) {
	for {
		rec, ok := it.inner.Next(ctx)
		if !ok {
			return ExternalRecord{}, false
		}
		if it.want[rec.ExternalID] {
			return rec, true
		}
	}
}

func (it *filterIterator) Err() error {
	return it.inner.Err()
}
