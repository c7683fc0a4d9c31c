package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const (
	// DefaultRedisPrefix namespaces all index keys.
	DefaultRedisPrefix = "certidx:"

	maxWatchRetries = 8
)

// RedisIndex stores the index in Redis so several service replicas share it.
//
// Keys (under the prefix):
//
//	token:<id>            JSON-encoded IndexRecord
//	uri:<keccak(uri)>     token id
//	issuer:<address>      sorted set of token ids
//	recipient:<address>   sorted set of token ids
//	checkpoint            last applied block
type RedisIndex struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisIndex)(nil)

// NewRedisIndex wraps client. An empty prefix selects DefaultRedisPrefix.
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) tokenKey(id interfaces.TokenID) string { return r.prefix + "token:" + id.String() }
func (r *RedisIndex) uriKey(uri string) string              { return r.prefix + "uri:" + crypto.Keccak256Hash([]byte(uri)).Hex() }
func (r *RedisIndex) issuerKey(a common.Address) string     { return r.prefix + "issuer:" + a.Hex() }
func (r *RedisIndex) recipientKey(a common.Address) string  { return r.prefix + "recipient:" + a.Hex() }
func (r *RedisIndex) checkpointKey() string                 { return r.prefix + "checkpoint" }

func readRecord(ctx context.Context, c redis.Cmdable, key string) (*interfaces.IndexRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec interfaces.IndexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("index: corrupt record at %s: %w", key, err)
	}
	return &rec, nil
}

// update runs fn optimistically against the current record of id, retrying on
// concurrent modification.
func (r *RedisIndex) update(ctx context.Context, id interfaces.TokenID, fn func(tx *redis.Tx, old *interfaces.IndexRecord) error) error {
	key := r.tokenKey(id)
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			old, err := readRecord(ctx, tx, key)
			if err != nil {
				return err
			}
			return fn(tx, old)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("index: token %d: too much contention", id)
}

func (r *RedisIndex) Put(ctx context.Context, rec *interfaces.IndexRecord) error {
	if rec.TokenID == 0 {
		return fmt.Errorf("index record without token id")
	}

	err := r.update(ctx, rec.TokenID, func(tx *redis.Tx, old *interfaces.IndexRecord) error {
		stored := *rec
		stored.IssuedAt = stored.IssuedAt.UTC()
		if old != nil {
			stored.Revoked = stored.Revoked || old.Revoked
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}

		member := redis.Z{Score: float64(rec.TokenID), Member: rec.TokenID.String()}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != nil {
				if old.URI != stored.URI {
					pipe.Del(ctx, r.uriKey(old.URI))
				}
				if old.Issuer != stored.Issuer {
					pipe.ZRem(ctx, r.issuerKey(old.Issuer), member.Member)
				}
				if old.Recipient != stored.Recipient {
					pipe.ZRem(ctx, r.recipientKey(old.Recipient), member.Member)
				}
			}
			pipe.Set(ctx, r.tokenKey(rec.TokenID), data, 0)
			pipe.Set(ctx, r.uriKey(stored.URI), rec.TokenID.String(), 0)
			pipe.ZAdd(ctx, r.issuerKey(stored.Issuer), member)
			pipe.ZAdd(ctx, r.recipientKey(stored.Recipient), member)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("index: put token %d: %w", rec.TokenID, err)
	}
	return nil
}

func (r *RedisIndex) MarkRevoked(ctx context.Context, id interfaces.TokenID) error {
	err := r.update(ctx, id, func(tx *redis.Tx, old *interfaces.IndexRecord) error {
		if old == nil || old.Revoked {
			return nil
		}
		old.Revoked = true
		data, err := json.Marshal(old)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.tokenKey(id), data, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("index: revoke token %d: %w", id, err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, id interfaces.TokenID) (*interfaces.IndexRecord, error) {
	rec, err := readRecord(ctx, r.client, r.tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("index: get token %d: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: token %d not indexed", interfaces.ErrNotFound, id)
	}
	return rec, nil
}

func (r *RedisIndex) ByURI(ctx context.Context, uri string) (*interfaces.IndexRecord, error) {
	v, err := r.client.Get(ctx, r.uriKey(uri)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: uri not indexed", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: lookup uri: %w", err)
	}
	id, err := interfaces.ParseTokenID(v)
	if err != nil {
		return nil, fmt.Errorf("index: corrupt uri entry: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisIndex) members(ctx context.Context, setKey string) ([]*interfaces.IndexRecord, error) {
	ids, err := r.client.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("index: list %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefix + "token:" + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("index: load records: %w", err)
	}

	out := make([]*interfaces.IndexRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec interfaces.IndexRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("index: corrupt record at %s: %w", keys[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *RedisIndex) ByIssuer(ctx context.Context, issuer common.Address) ([]*interfaces.IndexRecord, error) {
	return r.members(ctx, r.issuerKey(issuer))
}

func (r *RedisIndex) ByRecipient(ctx context.Context, recipient common.Address) ([]*interfaces.IndexRecord, error) {
	return r.members(ctx, r.recipientKey(recipient))
}

func (r *RedisIndex) Checkpoint(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, r.checkpointKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index: read checkpoint: %w", err)
	}
	return strconv.ParseUint(v, 10, 64)
}

func (r *RedisIndex) SetCheckpoint(ctx context.Context, block uint64) error {
	return r.client.Set(ctx, r.checkpointKey(), strconv.FormatUint(block, 10), 0).Err()
}

// Reset deletes every key under the prefix.
func (r *RedisIndex) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("index: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("index: delete: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
