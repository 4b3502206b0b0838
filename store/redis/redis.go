// Package redis implements the token record store on Redis. Each record is
// one JSON document in the record's wire shape; secondary indexes (digest
// and hash pointers, family and user sets, expiry and creation zsets) keep
// the repository queries O(result). Conditional updates run as a Lua script
// so the compare-and-swap is atomic server-side; multi-key writes use
// WATCH transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

const (
	recordPrefix = "tokenkin:record:"
	digestPrefix = "tokenkin:digest:"
	hashPrefix   = "tokenkin:hash:"
	familyPrefix = "tokenkin:family:"
	userPrefix   = "tokenkin:user:"
	expiryKey    = "tokenkin:expiry"
	createdKey   = "tokenkin:created"

	txRetries = 8
)

// condUpdate compares the stored record's status and useCount against the
// guard before replacing the document. Returns 1 on success, 0 on guard
// failure, -1 when the record is gone.
var condUpdate = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
local rec = cjson.decode(cur)
if rec.status ~= ARGV[1] then return 0 end
local below = tonumber(ARGV[2])
if below > 0 then
	local count = 0
	if rec.usage and rec.usage.useCount then count = tonumber(rec.usage.useCount) end
	if count >= below then return 0 end
end
redis.call('SET', KEYS[1], ARGV[3])
return 1
`)

// Store is the Redis-backed token repository.
type Store struct {
	client *redis.Client
}

// New returns a Store over client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to addr and verifies the connection with a ping.
func Open(ctx context.Context, addr, password string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client), nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func recordKey(id string) string       { return recordPrefix + id }
func digestKey(digest string) string   { return digestPrefix + digest }
func hashKey(hash string) string       { return hashPrefix + hash }
func familyKey(familyID string) string { return familyPrefix + familyID }
func userKey(userID string) string     { return userPrefix + userID }

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1e3
}

// Create stores the record and its indexes. The digest and hash pointers
// are claimed with SETNX first, so a collision never clobbers an existing
// record.
func (s *Store) Create(ctx context.Context, rec *token.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, digestKey(rec.LookupDigest), rec.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrDuplicateHash
	}
	ok, err = s.client.SetNX(ctx, hashKey(rec.TokenHash), rec.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		_ = s.client.Del(ctx, digestKey(rec.LookupDigest)).Err()
		return store.ErrDuplicateHash
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(rec.ID), doc, 0)
	pipe.SAdd(ctx, familyKey(rec.FamilyID), rec.ID)
	pipe.SAdd(ctx, userKey(rec.UserID), rec.FamilyID)
	pipe.ZAdd(ctx, expiryKey, redis.Z{Score: scoreOf(rec.Timestamps.ExpiresAt), Member: rec.ID})
	pipe.ZAdd(ctx, createdKey, redis.Z{Score: scoreOf(rec.Timestamps.CreatedAt), Member: rec.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// FindByHash resolves the digest pointer and loads the record; (nil, nil)
// when either hop misses.
func (s *Store) FindByHash(ctx context.Context, lookupDigest string) (*token.Record, error) {
	id, err := s.client.Get(ctx, digestKey(lookupDigest)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getRecord(ctx, id)
}

func (s *Store) getRecord(ctx context.Context, id string) (*token.Record, error) {
	doc, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec token.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// FindFamily loads every record in the family, ordered by generation then
// creation time.
func (s *Store) FindFamily(ctx context.Context, familyID string) ([]*token.Record, error) {
	ids, err := s.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Timestamps.CreatedAt.Before(out[j].Timestamps.CreatedAt)
	})
	return out, nil
}

func (s *Store) loadRecords(ctx context.Context, ids []string) ([]*token.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []*token.Record
	for i, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			continue // dangling index entry
		}
		var rec token.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// ConditionalUpdate replaces the stored document only while it still
// satisfies expect. The check-and-set runs as one Lua script, so exactly one
// of two racing updates wins.
func (s *Store) ConditionalUpdate(ctx context.Context, rec *token.Record, expect store.Expect) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := condUpdate.Run(ctx, s.client,
		[]string{recordKey(rec.ID)},
		string(expect.Status), strconv.Itoa(expect.UseCountBelow), string(doc),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return store.ErrNotFound
	default:
		return store.ErrConflict
	}
}

// UpdateSecurity patches the security block and appends the optional usage
// attempt and audit events regardless of status, inside a WATCH transaction
// so concurrent patches never drop entries.
func (s *Store) UpdateSecurity(ctx context.Context, tokenID string, sec token.Security, attempt *token.UsageAttempt, events ...token.Event) error {
	key := recordKey(tokenID)
	patch := func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec token.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", tokenID, err)
		}
		rec.Security = sec.Clone()
		if attempt != nil {
			rec.AppendAttempt(*attempt)
		}
		for _, ev := range events {
			rec.AppendEvent(ev)
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, patch, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update security for %s: too much contention", tokenID)
}

// BulkUpdateFamily revokes every family member whose status is in from. The
// family set and every member document are watched, so the containment write
// either applies to a consistent snapshot or retries.
func (s *Store) BulkUpdateFamily(ctx context.Context, familyID string, from []token.Status, rev token.Revocation, ev token.Event) (int64, error) {
	famKey := familyKey(familyID)
	var revoked int64
	sweep := func(tx *redis.Tx) error {
		revoked = 0
		ids, err := tx.SMembers(ctx, famKey).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = recordKey(id)
		}
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return err
		}

		var updated []*token.Record
		for _, id := range ids {
			doc, err := tx.Get(ctx, recordKey(id)).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var rec token.Record
			if err := json.Unmarshal(doc, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", id, err)
			}
			if !statusIn(rec.Status, from) {
				continue
			}
			rec.Status = token.StatusRevoked
			rc := rev
			rec.Revocation = &rc
			rec.AppendEvent(ev)
			updated = append(updated, &rec)
		}
		if len(updated) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range updated {
				doc, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.Set(ctx, recordKey(rec.ID), doc, 0)
			}
			return nil
		})
		if err == nil {
			revoked = int64(len(updated))
		}
		return err
	}
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, sweep, famKey)
		if err == nil {
			return revoked, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("revoke family %s: too much contention", familyID)
}

// ListExpired returns active records whose expiry has passed, oldest first.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*token.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(scoreOf(asOf), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, err
	}
	recs, err := s.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []*token.Record
	for _, rec := range recs {
		if rec.Status != token.StatusActive || !rec.Timestamps.ExpiresAt.Before(asOf) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListUserFamilies returns the distinct family ids owned by the user, sorted.
func (s *Store) ListUserFamilies(ctx context.Context, userID string) ([]string, error) {
	fams, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(fams)
	return fams, nil
}

// DeleteOlderThan removes records in one of the given statuses created
// before cutoff, along with their index entries.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []token.Status) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, createdKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(scoreOf(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, err
	}
	recs, err := s.loadRecords(ctx, ids)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, rec := range recs {
		if !statusIn(rec.Status, statuses) || !rec.Timestamps.CreatedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, recordKey(rec.ID))
		pipe.Del(ctx, digestKey(rec.LookupDigest))
		pipe.Del(ctx, hashKey(rec.TokenHash))
		pipe.SRem(ctx, familyKey(rec.FamilyID), rec.ID)
		pipe.ZRem(ctx, expiryKey, rec.ID)
		pipe.ZRem(ctx, createdKey, rec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}
		deleted++
		// Drop the family pointer once the family is fully purged.
		if n, err := s.client.SCard(ctx, familyKey(rec.FamilyID)).Result(); err == nil && n == 0 {
			_ = s.client.SRem(ctx, userKey(rec.UserID), rec.FamilyID).Err()
		}
	}
	return deleted, nil
}

func statusIn(s token.Status, set []token.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
