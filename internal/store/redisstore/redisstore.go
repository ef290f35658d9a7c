// Package redisstore implements the ledger backend on Redis.
//
// Layout (all keys under a configurable prefix, default "ledgergate:"):
//
//	entry:<id>                 JSON-encoded ledger.Entry
//	seq                        last assigned seq
//	clock                      last assigned created_at, unix microseconds
//	entries:<tenant>           sorted set of entry ids scored by seq
//	entries:<tenant>:<robot>   same, per robot
//	failures:<tenant>          list of JSON-encoded ledger.Failure
//
// Inserts run in a WATCH/MULTI transaction over the entry, seq and clock keys,
// so seq and created_at stay strictly increasing across concurrent writers.
// Because both are assigned together, ordering by seq is ordering by
// (created_at, seq).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/ledgergate/internal/ledger"
)

const (
	defaultPrefix = "ledgergate:"

	// maxTxRetries bounds optimistic-lock retries when writers collide.
	maxTxRetries = 16

	// fetchBatch is the MGET batch size when paging through an index.
	fetchBatch = 100
)

// Store implements the ledger backend backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used to stamp created_at and failed_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store connected to the given Redis server.
func New(opts *goredis.Options, prefix string, options ...Option) *Store {
	return NewFromClient(goredis.NewClient(opts), prefix, options...)
}

// NewFromClient creates a Store from an existing client (useful for testing).
func NewFromClient(client *goredis.Client, prefix string, options ...Option) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	s := &Store{client: client, prefix: prefix, now: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Ping checks connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func (s *Store) seqKey() string {
	return s.prefix + "seq"
}

func (s *Store) clockKey() string {
	return s.prefix + "clock"
}

func (s *Store) tenantIndexKey(tenantID string) string {
	return s.prefix + "entries:" + tenantID
}

func (s *Store) robotIndexKey(tenantID, robotID string) string {
	return s.prefix + "entries:" + tenantID + ":" + robotID
}

func (s *Store) failuresKey(tenantID string) string {
	return s.prefix + "failures:" + tenantID
}

func (s *Store) allFailuresKey() string {
	return s.prefix + "failures"
}

// InsertEntry appends an entry and returns it as stored. If the id already
// exists nothing is written and the existing entry is returned with
// inserted=false.
func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) (stored ledger.Entry, inserted bool, err error) {
	if e.ID == "" {
		return ledger.Entry{}, false, errors.New("insert entry: id cannot be empty")
	}
	if e.Lineage.DependsOnLedgerIDs == nil {
		e.Lineage.DependsOnLedgerIDs = []string{}
	}
	if e.Payload == nil {
		e.Payload = ledger.Document{}
	}
	// Encode once up front so an unencodable payload fails before any write.
	if _, err := ledger.MarshalCanonical(e.Payload); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: %w", err)
	}

	key := s.entryKey(e.ID)
	txf := func(tx *goredis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			stored, err = decodeEntry(existing)
			inserted = false
			return err
		}
		if !errors.Is(err, goredis.Nil) {
			return err
		}

		seq, err := getInt(ctx, tx, s.seqKey())
		if err != nil {
			return err
		}
		last, err := getInt(ctx, tx, s.clockKey())
		if err != nil {
			return err
		}
		createdAt := s.now().UnixMicro()
		if createdAt <= last {
			createdAt = last + 1
		}

		stored = e
		stored.Seq = seq + 1
		stored.CreatedAt = time.UnixMicro(createdAt).UTC()
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, s.seqKey(), stored.Seq, 0)
			pipe.Set(ctx, s.clockKey(), createdAt, 0)
			member := goredis.Z{Score: float64(stored.Seq), Member: e.ID}
			pipe.ZAdd(ctx, s.tenantIndexKey(e.TenantID), member)
			if e.RobotID != "" {
				pipe.ZAdd(ctx, s.robotIndexKey(e.TenantID, e.RobotID), member)
			}
			return nil
		})
		inserted = err == nil
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, key, s.seqKey(), s.clockKey())
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return ledger.Entry{}, false, fmt.Errorf("insert entry: %w", err)
		}
		return stored, inserted, nil
	}
	return ledger.Entry{}, false, fmt.Errorf("insert entry %s: too much contention", e.ID)
}

// GetEntry retrieves a single entry by id.
// Returns ledger.ErrNotFound if the id does not exist.
func (s *Store) GetEntry(ctx context.Context, id string) (ledger.Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return ledger.Entry{}, fmt.Errorf("get entry %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return decodeEntry(data)
}

// ListEntries returns entries matching q, newest first. The tenant (or
// tenant+robot) index is walked from the highest seq down and filtered with
// q.Matches until Limit entries are collected.
func (s *Store) ListEntries(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	if q.TenantID == "" {
		return nil, errors.New("query: tenantId is required")
	}
	index := s.tenantIndexKey(q.TenantID)
	if q.RobotID != "" {
		index = s.robotIndexKey(q.TenantID, q.RobotID)
	}

	entries := []ledger.Entry{}
	for start := int64(0); ; start += fetchBatch {
		ids, err := s.client.ZRevRange(ctx, index, start, start+fetchBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}
		if len(ids) == 0 {
			return entries, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.entryKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("query entries: index references missing entry %s", ids[i])
			}
			e, err := decodeEntry([]byte(raw))
			if err != nil {
				return nil, err
			}
			if !q.Matches(e) {
				continue
			}
			entries = append(entries, e)
			if q.Limit > 0 && len(entries) == q.Limit {
				return entries, nil
			}
		}
	}
}

// InsertFailure pushes a dead-letter record onto the tenant and global lists.
func (s *Store) InsertFailure(ctx context.Context, f ledger.Failure) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = s.now()
	}
	f.FailedAt = f.FailedAt.UTC().Truncate(time.Microsecond)

	data, err := json.Marshal(f)
	if err != nil {
		// Keep the record even when the payload is what failed to encode.
		f.Payload = ledger.Document{}
		if data, err = json.Marshal(f); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.failuresKey(f.TenantID), data)
	pipe.RPush(ctx, s.allFailuresKey(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// ListFailures returns dead-letter records for a tenant, newest first.
// An empty tenant lists every tenant. A non-positive limit means no limit.
func (s *Store) ListFailures(ctx context.Context, tenantID string, limit int) ([]ledger.Failure, error) {
	key := s.allFailuresKey()
	if tenantID != "" {
		key = s.failuresKey(tenantID)
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	values, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}

	failures := make([]ledger.Failure, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var f ledger.Failure
		if err := ledger.DecodeJSON([]byte(values[i]), &f); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}

func decodeEntry(data []byte) (ledger.Entry, error) {
	var e ledger.Entry
	if err := ledger.DecodeJSON(data, &e); err != nil {
		return ledger.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if e.Lineage.DependsOnLedgerIDs == nil {
		e.Lineage.DependsOnLedgerIDs = []string{}
	}
	if e.Payload == nil {
		e.Payload = ledger.Document{}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func getInt(ctx context.Context, tx *goredis.Tx, key string) (int64, error) {
	v, err := tx.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
