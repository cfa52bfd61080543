package chatstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

const defaultRedisPrefix = "rtchat"

// RedisStore keeps each session as a hash, its events as a list of JSON
// documents, and a sorted set of session ids ordered by start time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = &RedisStore{}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis store: client is nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) eventsKey(id string) string  { return s.prefix + ":session:" + id + ":events" }
func (s *RedisStore) indexKey() string            { return s.prefix + ":sessions" }

// createSessionScript writes the session hash and its index entry in one
// step. It returns 0 when the session already exists.
var createSessionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "session_id", ARGV[1], "user_id", ARGV[2], "start_time", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// finishSessionScript sets end_time and the optional summary in one step.
// It returns -1 for an unknown session and 0 when end_time is already set.
var finishSessionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HEXISTS", KEYS[1], "end_time") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "end_time", ARGV[1])
if ARGV[2] == "1" then
  redis.call("HSET", KEYS[1], "summary", ARGV[3])
end
return 1
`)

func (s *RedisStore) CreateSession(ctx context.Context, sess Session) error {
	if err := validateSession(sess); err != nil {
		return persistenceError("create session", sess.ID, err)
	}
	keys := []string{s.sessionKey(sess.ID), s.indexKey()}
	score := strconv.FormatInt(sess.StartTime.UnixNano(), 10)
	created, err := createSessionScript.Run(ctx, s.client, keys,
		sess.ID, sess.UserID, formatTime(sess.StartTime), score).Int()
	if err != nil {
		return persistenceError("create session", sess.ID, errors.Wrap(err, "redis store: create session"))
	}
	if created == 0 {
		return persistenceError("create session", sess.ID, ErrSessionExists)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return Session{}, persistenceError("get session", sessionID, errors.Wrap(err, "redis store: hgetall"))
	}
	if len(fields) == 0 {
		return Session{}, persistenceError("get session", sessionID, ErrSessionNotFound)
	}
	sess, err := sessionFromHash(fields)
	if err != nil {
		return Session{}, persistenceError("get session", sessionID, err)
	}
	return sess, nil
}

func (s *RedisStore) FinishSession(ctx context.Context, sessionID string, endTime time.Time, summary *string) error {
	hasSummary, text := "0", ""
	if summary != nil {
		hasSummary, text = "1", *summary
	}
	res, err := finishSessionScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)},
		formatTime(endTime), hasSummary, text).Int()
	if err != nil {
		return persistenceError("finish session", sessionID, errors.Wrap(err, "redis store: finish session"))
	}
	switch res {
	case -1:
		return persistenceError("finish session", sessionID, ErrSessionNotFound)
	case 0:
		return persistenceError("finish session", sessionID, ErrSessionFinalized)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, persistenceError("list sessions", "", errors.Wrap(err, "redis store: zrevrange"))
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

type redisEvent struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func (s *RedisStore) Append(ctx context.Context, ev Event) error {
	if err := validateEvent(ev); err != nil {
		return persistenceError("append event", ev.SessionID, err)
	}
	b, err := json.Marshal(redisEvent{Role: string(ev.Role), Content: ev.Content, Timestamp: formatTime(ev.Timestamp)})
	if err != nil {
		return persistenceError("append event", ev.SessionID, err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(ev.SessionID), string(b)).Err(); err != nil {
		return persistenceError("append event", ev.SessionID, errors.Wrap(err, "redis store: rpush"))
	}
	return nil
}

func (s *RedisStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, persistenceError("list events", sessionID, errors.Wrap(err, "redis store: lrange"))
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var re redisEvent
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			return nil, persistenceError("list events", sessionID, errors.Wrap(err, "redis store: decode event"))
		}
		ts, err := parseTime(re.Timestamp)
		if err != nil {
			return nil, persistenceError("list events", sessionID, err)
		}
		ev := Event{SessionID: sessionID, Content: re.Content, Timestamp: ts}
		if ev.Role, err = conversation.ParseRole(re.Role); err != nil {
			return nil, persistenceError("list events", sessionID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func sessionFromHash(fields map[string]string) (Session, error) {
	sess := Session{ID: fields["session_id"], UserID: fields["user_id"]}
	start, err := parseTime(fields["start_time"])
	if err != nil {
		return Session{}, err
	}
	sess.StartTime = start
	if v, ok := fields["end_time"]; ok && v != "" {
		end, err := parseTime(v)
		if err != nil {
			return Session{}, err
		}
		sess.EndTime = &end
	}
	if v, ok := fields["summary"]; ok {
		sess.Summary = &v
	}
	return sess, nil
}
