package keystatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"groupsummary/internal/summary/jsonfile"
	logx "groupsummary/pkg/logx"
)

// UpdateFunc receives the stored record for one fingerprint (ok is false
// when there is none) and returns the replacement. write=false leaves the
// record untouched.
type UpdateFunc func(cur Record, ok bool) (next Record, write bool)

// Backend stores one Record per fingerprint. Update is a read-modify-write
// of a single record, so writers touching different keys never clobber each
// other and concurrent writers on the same key are serialised.
type Backend interface {
	Load(ctx context.Context) (map[string]Record, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (Record, error)
}

// ErrContention is returned when an update kept losing to other writers.
var ErrContention = errors.New("keystatus: too many concurrent writers")

// FileBackend keeps the document in a JSON file rewritten atomically. It
// serialises writers within one process only.
type FileBackend struct {
	Path string
	Log  logx.Logger

	mu sync.Mutex
}

func (b *FileBackend) Load(context.Context) (map[string]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return jsonfile.Load[Record](b.Path, b.Log)
}

func (b *FileBackend) Update(_ context.Context, id string, fn UpdateFunc) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := jsonfile.Load[Record](b.Path, b.Log)
	if err != nil {
		return Record{}, err
	}
	cur, ok := doc[id]
	next, write := fn(cur, ok)
	if !write {
		return cur, nil
	}
	doc[id] = next
	if err := jsonfile.Save(b.Path, doc); err != nil {
		return cur, err
	}
	return next, nil
}

// RedisBackend stores each record as a JSON field of one hash, so several
// bot processes share key health. Updates use WATCH/MULTI and retry when
// another process wrote the hash in between.
type RedisBackend struct {
	client  *redis.Client
	key     string
	retries int
}

const redisTxRetries = 16

// NewRedisBackend parses url (redis:// or rediss://) and stores under the
// hash "<prefix>:key_status".
func NewRedisBackend(url, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts), key: RedisKey(prefix), retries: redisTxRetries}, nil
}

// RedisKey returns the hash key for prefix.
func RedisKey(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "groupsummary"
	}
	return prefix + ":key_status"
}

func (b *RedisBackend) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

func (b *RedisBackend) Load(ctx context.Context) (map[string]Record, error) {
	fields, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, err
	}
	return decodeFields(fields)
}

func (b *RedisBackend) Update(ctx context.Context, id string, fn UpdateFunc) (Record, error) {
	var out Record
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, b.key, id).Bytes()
		ok := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var cur Record
		if ok {
			if cur, err = decodeRecord(raw); err != nil {
				return err
			}
		}
		next, write := fn(cur, ok)
		if !write {
			out = cur
			return nil
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, b.key, id, enc)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}
	for range b.retries {
		err := b.client.Watch(ctx, txf, b.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Record{}, ErrContention
}

func (b *RedisBackend) Close() error { return b.client.Close() }

// decodeFields decodes a hash, skipping fields that are not records.
func decodeFields(fields map[string]string) (map[string]Record, error) {
	out := make(map[string]Record, len(fields))
	var bad []string
	for id, raw := range fields {
		r, err := decodeRecord([]byte(raw))
		if err != nil {
			bad = append(bad, id)
			continue
		}
		out[id] = r
	}
	if len(bad) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("decode key status: %d malformed fields", len(bad))
	}
	return out, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode key status record: %w", err)
	}
	if r.Status == "" {
		r.Status = StatusNormal
	}
	return r, nil
}
