package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session in two keys:
//
//	callsession:{id}          JSON document (everything but history)
//	callsession:{id}:history  list of JSON turns (RPUSH only)
//	callsession:{id}:done     set by Delete; blocks re-creation
//
// Splitting history into a list lets concurrent gather webhooks append
// without read-modify-write, while user/flag updates go through WATCH.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration

	// maxRetries bounds optimistic Update attempts.
	maxRetries int
}

const (
	defaultSessionTTL = 2 * time.Hour
	keyPrefix         = "callsession:"
)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, maxRetries: 8}
}

func docKey(callID string) string      { return keyPrefix + callID }
func historyKey(callID string) string  { return keyPrefix + callID + ":history" }
func finalizeKey(callID string) string { return keyPrefix + callID + ":finalize" }
func doneKey(callID string) string     { return keyPrefix + callID + ":done" }

var createScript = redis.NewScript(`
-- KEYS[1] = doc key, KEYS[2] = history key, KEYS[3] = done key
-- ARGV[1] = doc json, ARGV[2] = ttl ms, ARGV[3..] = turns
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[2])
for i = 3, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
if #ARGV >= 3 then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

var appendScript = redis.NewScript(`
-- KEYS[1] = doc key, KEYS[2] = history key
-- ARGV[1] = turn json, ARGV[2] = ttl ms
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

func (s *RedisStore) Load(ctx context.Context, callID string) (CallSession, bool, error) {
	if callID == "" {
		return CallSession{}, false, ErrInvalidCallID
	}

	var getCmd *redis.StringCmd
	var histCmd *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		getCmd = p.Get(ctx, docKey(callID))
		histCmd = p.LRange(ctx, historyKey(callID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return CallSession{}, false, fmt.Errorf("callsession: load %s: %w", callID, err)
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return CallSession{}, false, nil
	}
	if err != nil {
		return CallSession{}, false, fmt.Errorf("callsession: load %s: %w", callID, err)
	}

	var sess CallSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return CallSession{}, false, fmt.Errorf("callsession: decode %s: %w", callID, err)
	}
	turns, err := decodeTurns(histCmd.Val())
	if err != nil {
		return CallSession{}, false, fmt.Errorf("callsession: decode history %s: %w", callID, err)
	}
	sess.History = turns
	return sess, true, nil
}

func (s *RedisStore) Save(ctx context.Context, sess CallSession) error {
	if sess.CallID == "" {
		return ErrInvalidCallID
	}
	doc, turns, err := encodeSession(sess)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, docKey(sess.CallID), doc, s.ttl)
		p.Del(ctx, historyKey(sess.CallID))
		if len(turns) > 0 {
			p.RPush(ctx, historyKey(sess.CallID), turns...)
			p.PExpire(ctx, historyKey(sess.CallID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("callsession: save %s: %w", sess.CallID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, docKey(callID), historyKey(callID))
		p.Set(ctx, doneKey(callID), "1", finalizedTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("callsession: delete %s: %w", callID, err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, sess CallSession) (bool, error) {
	if sess.CallID == "" {
		return false, ErrInvalidCallID
	}
	doc, turns, err := encodeSession(sess)
	if err != nil {
		return false, err
	}

	args := make([]any, 0, 2+len(turns))
	args = append(args, doc, s.ttl.Milliseconds())
	args = append(args, turns...)

	keys := []string{docKey(sess.CallID), historyKey(sess.CallID), doneKey(sess.CallID)}
	res, err := createScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("callsession: create %s: %w", sess.CallID, err)
	}
	if res < 0 {
		return false, ErrFinalized
	}
	return res == 1, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, callID string, t Turn) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("callsession: encode turn: %w", err)
	}
	res, err := appendScript.Run(ctx, s.rdb, []string{docKey(callID), historyKey(callID)}, string(raw), s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("callsession: append %s: %w", callID, err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, callID string, fn func(*CallSession) error) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	key := docKey(callID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess CallSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("callsession: decode %s: %w", callID, err)
		}
		sess.History = nil
		if err := fn(&sess); err != nil {
			return err
		}
		sess.CallID = callID
		sess.History = nil

		doc, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("callsession: encode %s: %w", callID, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, doc, s.ttl)
			p.PExpire(ctx, historyKey(callID), s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) ClaimFinalization(ctx context.Context, callID string, ttl time.Duration) (string, bool, error) {
	if callID == "" {
		return "", false, ErrInvalidCallID
	}
	token := uuid.NewString()
	ok, err := utils.AcquireLease(ctx, s.rdb, finalizeKey(callID), token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("callsession: claim %s: %w", callID, err)
	}
	return token, ok, nil
}

func (s *RedisStore) ReleaseFinalization(ctx context.Context, callID, token string) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	return utils.ReleaseLease(ctx, s.rdb, finalizeKey(callID), token)
}

func encodeSession(sess CallSession) (string, []any, error) {
	turns := make([]any, 0, len(sess.History))
	for _, t := range sess.History {
		raw, err := json.Marshal(t)
		if err != nil {
			return "", nil, fmt.Errorf("callsession: encode turn: %w", err)
		}
		turns = append(turns, string(raw))
	}
	sess.History = nil
	doc, err := json.Marshal(sess)
	if err != nil {
		return "", nil, fmt.Errorf("callsession: encode %s: %w", sess.CallID, err)
	}
	return string(doc), turns, nil
}

func decodeTurns(raw []string) ([]Turn, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
