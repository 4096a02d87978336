// Package audit implements the Audit Sink: an append-only record of auth
// events and sensitive operations, kept in memory for local inspection and
// optionally mirrored to Redis and Postgres for an external store to read
// (spec.md §3, §7). The gateway itself never queries audit history back;
// it only appends.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
)

const fanoutTimeout = 2 * time.Second

// Sink is an in-memory ring buffer of audit records with optional durable
// fan-out. The ring buffer alone satisfies "append-only record ... read by
// an external store" for a single-instance gateway; Redis/Postgres give an
// external store something durable to tail across restarts.
type Sink struct {
	mu    sync.Mutex
	ring  []gwtypes.AuditRecord
	next  int
	count int
	clock gwclock.Clock

	redis    *redis.Client
	redisKey string

	db *sql.DB
}

// NewSink creates a Sink backed by a fixed-capacity ring buffer.
func NewSink(capacity int, clock gwclock.Clock) *Sink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Sink{
		ring:  make([]gwtypes.AuditRecord, capacity),
		clock: clock,
	}
}

// AttachRedis enables the durable fan-out mirror. Every record is
// RPUSH'd to key as JSON, adapted from the teacher's escalating-ban
// store's use of Redis as a durable side channel (internal/ban/store.go).
func (s *Sink) AttachRedis(client *redis.Client, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redis = client
	s.redisKey = key
}

// AttachPostgres enables the durable audit_log insert path. Callers
// should have already run RunMigrations against db.
func (s *Sink) AttachPostgres(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
}

// Record appends rec to the in-memory ring and best-effort fans it out to
// any attached durable sinks. Fan-out failures are logged, never returned:
// an audit write must not fail the request path it is describing.
func (s *Sink) Record(rec gwtypes.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	redisClient := s.redis
	redisKey := s.redisKey
	db := s.db
	s.mu.Unlock()

	if redisClient != nil {
		s.fanOutRedis(redisClient, redisKey, rec)
	}
	if db != nil {
		s.fanOutPostgres(db, rec)
	}
}

func (s *Sink) fanOutRedis(client *redis.Client, key string, rec gwtypes.AuditRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("audit: failed to marshal record for redis fan-out: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	if err := client.RPush(ctx, key, payload).Err(); err != nil {
		log.Printf("audit: redis fan-out failed: %v", err)
	}
}

func (s *Sink) fanOutPostgres(db *sql.DB, rec gwtypes.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	const q = `INSERT INTO audit_log (ts, kind, conn_id, session_id, remote_ip, action, request_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := db.ExecContext(ctx, q, rec.Timestamp, rec.Kind, rec.ConnID, rec.SessionID,
		rec.RemoteIP, string(rec.Action), rec.RequestID, rec.Detail); err != nil {
		log.Printf("audit: postgres fan-out failed: %v", err)
	}
}

// Recent returns up to n of the most recently recorded entries, oldest
// first. It is intended for the /admin surface and tests, not for the
// gateway's own request handling.
func (s *Sink) Recent(n int) []gwtypes.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]gwtypes.AuditRecord, n)
	start := (s.next - n + len(s.ring)) % len(s.ring)
	for i := 0; i < n; i++ {
		out[i] = s.ring[(start+i)%len(s.ring)]
	}
	return out
}

// Len returns the number of records currently retained in the ring.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
