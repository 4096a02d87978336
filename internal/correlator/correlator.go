// Package correlator implements the Correlator: the component that ties
// an automation request to its eventual extension-side terminal result by
// requestId, consults the dedup table before admitting a new request,
// reassembles streamed HTML chunks, and arbitrates exactly-once WS
// delivery of the terminal result (spec.md §4.4, §4.5).
package correlator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/callbackstore"
	"github.com/brwsrgw/browser-control-gateway/internal/exthub"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
)

// htmlStream accumulates out-of-order tab_html_chunk messages until every
// chunk_index up to total has arrived (spec.md §4.5, §8 scenario E).
type htmlStream struct {
	chunks map[int]string
	total  int // 0 means not yet known
}

// Correlator coordinates request dedup, the Callback Store, and HTML
// chunk reassembly for a single gateway instance.
type Correlator struct {
	mu sync.Mutex

	dedup   map[string]dedupEntry // dedupKey -> (requestId, recordedAt)
	streams map[string]*htmlStream

	store       *callbackstore.Store
	clock       gwclock.Clock
	dedupWindow time.Duration
}

type dedupEntry struct {
	requestID  string
	recordedAt time.Time
}

// New creates a Correlator backed by store.
func New(store *callbackstore.Store, clock gwclock.Clock, dedupWindow time.Duration) *Correlator {
	return &Correlator{
		dedup:       make(map[string]dedupEntry),
		streams:     make(map[string]*htmlStream),
		store:       store,
		clock:       clock,
		dedupWindow: dedupWindow,
	}
}

// DedupKey builds the key the dedup table indexes on: a session scoped to
// an action and its defining parameter, so two identical open_url calls
// for the same sessionId within the dedup window collapse onto one
// requestId (spec.md §3 Dedup Key).
func DedupKey(sessionID string, action gwtypes.Action, discriminator string) string {
	return sessionID + "|" + string(action) + "|" + discriminator
}

// CheckDedup reports whether dedupKey was already recorded within the
// dedup window and, if so, the requestId it maps to. Expired entries are
// pruned lazily on lookup.
func (c *Correlator) CheckDedup(dedupKey string) (string, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.dedup[dedupKey]
	if !ok {
		return "", false
	}
	if now.Sub(entry.recordedAt) > c.dedupWindow {
		delete(c.dedup, dedupKey)
		return "", false
	}
	return entry.requestID, true
}

// RecordDedup associates dedupKey with requestId for the dedup window.
func (c *Correlator) RecordDedup(dedupKey, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup[dedupKey] = dedupEntry{requestID: requestID, recordedAt: c.clock.Now()}
}

// SweepDedup removes dedup entries older than the dedup window, run on
// the same cadence as the callback store's sweeps.
func (c *Correlator) SweepDedup() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.dedup {
		if now.Sub(entry.recordedAt) > c.dedupWindow {
			delete(c.dedup, key)
			removed++
		}
	}
	return removed
}

// AppendChunk folds in one tab_html_chunk message. Once every index in
// [0, total) has arrived, it returns the reassembled HTML in order and
// complete=true, and drops the buffer. Chunks may arrive out of order;
// totalChunks, when nonzero, is taken from whichever chunk carries it
// (the extension is expected to set it on every chunk, but only the
// first-seen value is trusted).
func (c *Correlator) AppendChunk(requestID string, chunkIndex int, data string, totalChunks int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, ok := c.streams[requestID]
	if !ok {
		stream = &htmlStream{chunks: make(map[int]string)}
		c.streams[requestID] = stream
	}
	stream.chunks[chunkIndex] = data
	if totalChunks > 0 && stream.total == 0 {
		stream.total = totalChunks
	}

	if stream.total == 0 || len(stream.chunks) < stream.total {
		return "", false
	}
	for idx := 0; idx < stream.total; idx++ {
		if _, ok := stream.chunks[idx]; !ok {
			return "", false
		}
	}

	indices := make([]int, 0, len(stream.chunks))
	for idx := range stream.chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var b strings.Builder
	for _, idx := range indices {
		b.WriteString(stream.chunks[idx])
	}

	delete(c.streams, requestID)
	return b.String(), true
}

// AbandonStream drops any partial chunk buffer for requestId, used when a
// request times out or errors before streaming completes.
func (c *Correlator) AbandonStream(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, requestID)
}

// Dispatch sends a command envelope to one admitted extension via
// round-robin and, on success, marks the pending request processing
// (spec.md §4.5 REGISTERED -> DISPATCHED). On failure to reach any
// extension, the request is failed immediately with the spec's literal
// error text.
func (c *Correlator) Dispatch(hub *exthub.Hub, action gwtypes.Action, requestID string, params map[string]interface{}) error {
	envelope := protocol.CommandEnvelope{
		Type:      string(action),
		RequestID: requestID,
		Params:    params,
	}
	data, err := envelope.MarshalJSON()
	if err != nil {
		return err
	}

	if err := hub.SendToExtensions(data); err != nil {
		_ = c.store.Fail(requestID, "no active browser extension connections")
		return err
	}

	c.store.MarkProcessing(requestID)
	return nil
}

// CompleteFromExtension records a terminal success result reported by an
// extension, clears the dedup entry and any partial HTML stream for
// requestId (spec.md §4.5 DISPATCHED/STREAMING -> COMPLETED).
func (c *Correlator) CompleteFromExtension(requestID string, data map[string]interface{}) error {
	c.AbandonStream(requestID)
	c.clearDedupFor(requestID)
	return c.store.Complete(requestID, data)
}

// FailFromExtension records a terminal error reported by an extension
// (spec.md §4.5 DISPATCHED -> ERROR).
func (c *Correlator) FailFromExtension(requestID, message string) error {
	c.AbandonStream(requestID)
	c.clearDedupFor(requestID)
	return c.store.Fail(requestID, message)
}

// clearDedupFor removes every dedup entry pointing at requestId, since a
// request that has reached a terminal state should no longer collapse a
// fresh call onto its now-stale result.
func (c *Correlator) clearDedupFor(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.dedup {
		if entry.requestID == requestID {
			delete(c.dedup, key)
		}
	}
}

// HandleTimeout runs the same cleanup CompleteFromExtension/FailFromExtension
// run on a terminal transition — abandoning any partial HTML stream and
// clearing the dedup entry — for a requestId a Callback Store sweep has
// just marked timed out (spec.md §4.5 DISPATCHED -> TIMEOUT).
func (c *Correlator) HandleTimeout(requestID string) {
	c.AbandonStream(requestID)
	c.clearDedupFor(requestID)
}

// Clear wipes the dedup table and any partial HTML stream buffers, used
// during graceful shutdown (spec.md §5 testable property 9).
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup = make(map[string]dedupEntry)
	c.streams = make(map[string]*htmlStream)
}

// TryDeliverWS claims the exactly-once WS delivery slot for requestId and,
// if it wins, invokes push. If push reports failure (e.g. the automation
// connection already dropped), the slot is not released — the terminal
// result remains available via long-poll or HTTP callback instead, which
// are independent delivery paths not gated on WSPushed.
func (c *Correlator) TryDeliverWS(requestID string, push func(*gwtypes.PendingRequest) bool) bool {
	if !c.store.TryMarkWSPushed(requestID) {
		return false
	}
	req, ok := c.store.Get(requestID)
	if !ok {
		return false
	}
	return push(req)
}
