// Package redisprovider implements storage.Provider on Redis, using
// the key scheme from spec.md §6 and Lua scripts for the atomic
// multi-key operations a single pipeline can't express, the same
// approach the teacher uses for its atomic name->id lookup
// (internal/store/redis.go's getFunctionByNameScript).
package redisprovider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/inboxrt/internal/backoff"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/storage"
)

// Provider is the Redis-backed storage.Provider for one inbox.
type Provider struct {
	client *redis.Client
	name   string // inbox name, used to namespace keys
}

// New wraps an existing Redis client for inbox name.
func New(client *redis.Client, name string) *Provider {
	return &Provider{client: client, name: name}
}

func (p *Provider) pendingKey() string      { return fmt.Sprintf("inbox:%s:pending", p.name) }
func (p *Provider) msgKey(id string) string { return fmt.Sprintf("inbox:%s:msg:%s", p.name, id) }
func (p *Provider) groupLockKey(g string) string {
	return fmt.Sprintf("inbox:%s:lock:%s", p.name, g)
}
func (p *Provider) groupKey(g string) string { return fmt.Sprintf("inbox:%s:group:%s", p.name, g) }

// enqueueScript accepts a fresh id outright. An id that already exists
// is only rejected while its hash's state is non-terminal (visible or
// leased); a terminal (succeeded or dead-lettered) hash with the same
// id is overwritten and re-added to the pending set, so a dead-lettered
// envelope coming back through Replay is actually redelivered instead
// of being rejected as a duplicate.
var enqueueScript = redis.NewScript(`
local msgKey = KEYS[1]
local pendingKey = KEYS[2]
local id = ARGV[1]
local score = tonumber(ARGV[2])
local stateSucceeded = 2
local stateDeadLettered = 3

if redis.call('EXISTS', msgKey) == 1 then
	local state = tonumber(redis.call('HGET', msgKey, 'state'))
	if state ~= stateSucceeded and state ~= stateDeadLettered then
		return 0
	end
end

local fields = {}
for i = 3, #ARGV, 2 do
	fields[#fields+1] = ARGV[i]
	fields[#fields+1] = ARGV[i+1]
end
redis.call('HSET', msgKey, unpack(fields))
redis.call('ZADD', pendingKey, score, id)
return 1
`)

func (p *Provider) Enqueue(ctx context.Context, env envelope.Envelope, _ time.Duration) (storage.EnqueueOutcome, error) {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if env.NextVisibleAt.IsZero() {
		env.NextVisibleAt = env.EnqueuedAt
	}

	args := []any{
		env.ID, env.NextVisibleAt.UnixNano(),
		"id", env.ID,
		"dedup_key", env.DedupKey,
		"group_id", env.GroupID,
		"seq", env.Seq,
		"payload", string(env.Payload),
		"content_type", env.ContentType,
		"enqueued_at", env.EnqueuedAt.UnixNano(),
		"attempt", env.Attempt,
		"next_visible_at", env.NextVisibleAt.UnixNano(),
		"lease", "",
		"state", int(stateVisible),
		"last_error", "",
	}

	res, err := enqueueScript.Run(ctx, p.client, []string{p.msgKey(env.ID), p.pendingKey()}, args...).Int()
	if err != nil {
		return storage.Accepted, fmt.Errorf("enqueue: %w", err)
	}
	if res == 0 {
		return storage.DuplicateID, nil
	}
	return storage.Accepted, nil
}

const (
	stateVisible = iota
	stateLeased
	stateSucceeded
	stateDeadLettered
)

// LeaseBatch scans the pending sorted set for due envelopes in score
// order and leases each with a short Lua script guarding the
// group-lock key in FIFO mode.
func (p *Provider) LeaseBatch(ctx context.Context, max int, vt time.Duration, fifo bool) ([]envelope.Envelope, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	ids, err := p.client.ZRangeByScore(ctx, p.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10), Count: int64(max * 8),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("lease batch scan: %w", err)
	}

	candidates, err := p.orderCandidates(ctx, ids, fifo)
	if err != nil {
		return nil, err
	}

	claimedGroups := make(map[string]bool)
	var out []envelope.Envelope
	for _, id := range candidates {
		if len(out) >= max {
			break
		}
		env, ok, err := p.tryLease(ctx, id, now, vt, fifo, claimedGroups)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, env)
		}
	}
	return out, nil
}

// orderCandidates narrows a ZRANGEBYSCORE scan down to the seq-eligible
// subset for FIFO leasing. ZRANGEBYSCORE ties (same next_visible_at)
// break lexicographically by id, which says nothing about enqueue
// order, so within any group only the lowest-seq member may be leased;
// a later-seq sibling that happens to sort first is dropped from this
// round rather than racing ahead of it. Mirrors the ordering
// MemoryProvider.minPendingSeq enforces directly against the map.
func (p *Provider) orderCandidates(ctx context.Context, ids []string, fifo bool) ([]string, error) {
	if !fifo || len(ids) == 0 {
		return ids, nil
	}

	type candidate struct {
		id    string
		group string
		seq   int64
	}
	cands := make([]candidate, 0, len(ids))
	minSeq := make(map[string]int64)
	for _, id := range ids {
		fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("lease batch lookup: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		group := fields["group_id"]
		var seq int64
		if s, ok := fields["seq"]; ok {
			seq, _ = strconv.ParseInt(s, 10, 64)
		}
		cands = append(cands, candidate{id: id, group: group, seq: seq})
		if group == "" {
			continue
		}
		if cur, ok := minSeq[group]; !ok || seq < cur {
			minSeq[group] = seq
		}
	}

	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if c.group != "" && c.seq != minSeq[c.group] {
			continue
		}
		out = append(out, c.id)
	}
	return out, nil
}

// LeaseGroupBatch locks one eligible FIFO group and leases up to max
// of its messages in ascending seq order.
func (p *Provider) LeaseGroupBatch(ctx context.Context, max int, vt time.Duration) ([]envelope.Envelope, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	ids, err := p.client.ZRangeByScore(ctx, p.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10), Count: int64(max * 16),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("lease group batch scan: %w", err)
	}

	var group string
	var groupIDs []string
	for _, id := range ids {
		fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		g := fields["group_id"]
		if g == "" {
			continue
		}
		if group == "" {
			locked, err := p.client.SetNX(ctx, p.groupLockKey(g), "1", vt).Result()
			if err != nil {
				return nil, fmt.Errorf("group lock: %w", err)
			}
			if !locked {
				continue
			}
			group = g
		}
		if g == group {
			groupIDs = append(groupIDs, id)
		}
	}
	if group == "" {
		return nil, nil
	}

	var out []envelope.Envelope
	for _, id := range groupIDs {
		if len(out) >= max {
			break
		}
		leaseUntil := now.Add(vt).UnixNano()
		lease := envelope.NewID()
		res, err := leaseScript.Run(ctx, p.client, []string{p.msgKey(id), p.pendingKey()},
			id, now.UnixNano(), leaseUntil, lease).Int()
		if err != nil {
			return nil, fmt.Errorf("lease group batch script: %w", err)
		}
		if res == 0 {
			break
		}
		fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("lease group batch reread: %w", err)
		}
		env := fieldsToEnvelope(fields)
		out = append(out, env)
	}
	if len(out) == 0 {
		p.client.Del(ctx, p.groupLockKey(group))
	}
	return out, nil
}

var leaseScript = redis.NewScript(`
local msgKey = KEYS[1]
local pendingKey = KEYS[2]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local leaseUntil = ARGV[3]
local lease = ARGV[4]
local state = tonumber(redis.call('HGET', msgKey, 'state') or '-1')
local nextVisible = tonumber(redis.call('HGET', msgKey, 'next_visible_at') or '0')

if state ~= 0 or nextVisible > now then
	return 0
end

redis.call('HSET', msgKey, 'state', 1, 'lease', lease, 'next_visible_at', leaseUntil)
redis.call('HINCRBY', msgKey, 'attempt', 1)
redis.call('ZADD', pendingKey, leaseUntil, id)
return 1
`)

func (p *Provider) tryLease(ctx context.Context, id string, now time.Time, vt time.Duration, fifo bool, claimedGroups map[string]bool) (envelope.Envelope, bool, error) {
	fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("lease lookup: %w", err)
	}
	if len(fields) == 0 {
		return envelope.Envelope{}, false, nil
	}
	group := fields["group_id"]

	if fifo && group != "" {
		if claimedGroups[group] {
			return envelope.Envelope{}, false, nil
		}
		locked, err := p.client.SetNX(ctx, p.groupLockKey(group), "1", vt).Result()
		if err != nil {
			return envelope.Envelope{}, false, fmt.Errorf("group lock: %w", err)
		}
		if !locked {
			return envelope.Envelope{}, false, nil
		}
		claimedGroups[group] = true
	}

	leaseUntil := now.Add(vt).UnixNano()
	lease := envelope.NewID()
	res, err := leaseScript.Run(ctx, p.client, []string{p.msgKey(id), p.pendingKey()},
		id, now.UnixNano(), leaseUntil, lease).Int()
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("lease script: %w", err)
	}
	if res == 0 {
		if fifo && group != "" {
			p.client.Del(ctx, p.groupLockKey(group))
		}
		return envelope.Envelope{}, false, nil
	}

	env := fieldsToEnvelope(fields)
	env.Attempt++
	env.State = envelope.StateLeased
	env.Lease = lease
	env.NextVisibleAt = now.Add(vt)
	return env, true, nil
}

func (p *Provider) Acknowledge(ctx context.Context, id string, lease string) error {
	current, err := p.client.HGet(ctx, p.msgKey(id), "lease").Result()
	if err == redis.Nil {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("acknowledge lookup: %w", err)
	}
	if current != lease {
		return storage.ErrLeaseExpired
	}

	group, _ := p.client.HGet(ctx, p.msgKey(id), "group_id").Result()
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.msgKey(id), "state", int(stateSucceeded), "lease", "")
	pipe.ZRem(ctx, p.pendingKey(), id)
	if group != "" {
		pipe.Del(ctx, p.groupLockKey(group))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

func (p *Provider) Nack(ctx context.Context, id string, lease string, info storage.ErrorInfo, maxAttempts int, policy backoff.Policy) (envelope.Envelope, bool, error) {
	fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack lookup: %w", err)
	}
	if len(fields) == 0 {
		return envelope.Envelope{}, false, storage.ErrNotFound
	}
	if fields["lease"] != lease {
		return envelope.Envelope{}, false, storage.ErrLeaseExpired
	}

	env := fieldsToEnvelope(fields)
	env.LastError = info.Reason
	env.Lease = ""

	pipe := p.client.TxPipeline()
	deadLettered := env.Attempt >= maxAttempts
	if deadLettered {
		env.State = envelope.StateDeadLettered
		pipe.HSet(ctx, p.msgKey(id), "state", int(stateDeadLettered), "lease", "", "last_error", info.Reason)
		pipe.ZRem(ctx, p.pendingKey(), id)
	} else {
		delay := backoff.Delay(env.Attempt, policy)
		env.State = envelope.StateVisible
		env.NextVisibleAt = time.Now().UTC().Add(delay)
		pipe.HSet(ctx, p.msgKey(id), "state", int(stateVisible), "lease", "", "last_error", info.Reason,
			"next_visible_at", env.NextVisibleAt.UnixNano())
		pipe.ZAdd(ctx, p.pendingKey(), redis.Z{Score: float64(env.NextVisibleAt.UnixNano()), Member: id})
	}
	if env.GroupID != "" {
		pipe.Del(ctx, p.groupLockKey(env.GroupID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("nack: %w", err)
	}
	return env, deadLettered, nil
}

func (p *Provider) Extend(ctx context.Context, id string, lease string, additional time.Duration) error {
	fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
	if err != nil {
		return fmt.Errorf("extend lookup: %w", err)
	}
	if len(fields) == 0 {
		return storage.ErrNotFound
	}
	if fields["lease"] != lease {
		return storage.ErrLeaseExpired
	}
	nextVisible, _ := strconv.ParseInt(fields["next_visible_at"], 10, 64)
	newNextVisible := time.Unix(0, nextVisible).Add(additional).UnixNano()

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.msgKey(id), "next_visible_at", newNextVisible)
	pipe.ZAdd(ctx, p.pendingKey(), redis.Z{Score: float64(newNextVisible), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	return nil
}

func (p *Provider) Peek(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := p.client.ZRange(ctx, p.pendingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	out := make([]envelope.Envelope, 0, len(ids))
	for _, id := range ids {
		fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, fieldsToEnvelope(fields))
	}
	return out, nil
}

// PurgeExpired is a best-effort scan: Redis keys expire lazily, so
// this only reclaims hash entries for ids no longer referenced by the
// pending set and already terminal.
func (p *Provider) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	pattern := fmt.Sprintf("inbox:%s:msg:*", p.name)
	var cursor uint64
	var purged int64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return purged, fmt.Errorf("purge scan: %w", err)
		}
		for _, key := range keys {
			fields, err := p.client.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			state, _ := strconv.Atoi(fields["state"])
			enqueuedAt, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
			if (state == stateSucceeded || state == stateDeadLettered) && time.Unix(0, enqueuedAt).Before(olderThan) {
				p.client.Del(ctx, key)
				purged++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}

func (p *Provider) Stats(ctx context.Context) (storage.Stats, error) {
	pattern := fmt.Sprintf("inbox:%s:msg:*", p.name)
	var cursor uint64
	var s storage.Stats
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return s, fmt.Errorf("stats scan: %w", err)
		}
		for _, key := range keys {
			state, err := p.client.HGet(ctx, key, "state").Result()
			if err != nil {
				continue
			}
			switch state {
			case "0":
				s.Visible++
			case "1":
				s.Leased++
			case "2":
				s.Succeeded++
			case "3":
				s.DeadLettered++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s, nil
}

func (p *Provider) Close() error {
	return p.client.Close()
}

func fieldsToEnvelope(fields map[string]string) envelope.Envelope {
	var env envelope.Envelope
	env.ID = fields["id"]
	env.DedupKey = fields["dedup_key"]
	env.GroupID = fields["group_id"]
	if seq, err := strconv.ParseInt(fields["seq"], 10, 64); err == nil {
		env.Seq = seq
	}
	env.Payload = []byte(fields["payload"])
	env.ContentType = fields["content_type"]
	if enqueuedAt, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		env.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	}
	if attempt, err := strconv.Atoi(fields["attempt"]); err == nil {
		env.Attempt = attempt
	}
	if nextVisible, err := strconv.ParseInt(fields["next_visible_at"], 10, 64); err == nil {
		env.NextVisibleAt = time.Unix(0, nextVisible).UTC()
	}
	env.Lease = fields["lease"]
	env.LastError = fields["last_error"]
	switch fields["state"] {
	case "1":
		env.State = envelope.StateLeased
	case "2":
		env.State = envelope.StateSucceeded
	case "3":
		env.State = envelope.StateDeadLettered
	default:
		env.State = envelope.StateVisible
	}
	return env
}
