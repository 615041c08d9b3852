package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ttlMatch = 7 * 24 * time.Hour
	ttlChat  = 7 * 24 * time.Hour

	// unconditional updates retry on WATCH collisions instead of
	// surfacing a conflict
	updateRetries = 5
)

// RedisStore keeps match documents as JSON values and player membership as
// index sets. Conditional updates ride on WATCH transactions so the store
// itself serializes competing terminal transitions.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for match store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func matchKey(id string) string   { return "game:" + strings.TrimSpace(id) }
func chatKey(id string) string    { return "game:chat:" + strings.TrimSpace(id) }
func idxUserKey(id string) string { return "game:index:user:" + strings.TrimSpace(id) }

func (s *RedisStore) FindByID(ctx context.Context, matchID string) (*Match, error) {
	raw, err := s.rdb.Get(ctx, matchKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) Insert(ctx context.Context, m *Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, matchKey(m.ID), raw, ttlMatch).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	s.indexPlayers(ctx, m.ID, m.WhitePlayer, m.BlackPlayer)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, matchID string, fields Fields) (*Match, error) {
	var out *Match
	for attempt := 0; attempt < updateRetries; attempt++ {
		m, err := s.applyFields(ctx, matchID, "", fields)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = m
		break
	}
	if out == nil {
		return nil, fmt.Errorf("update %s: too many concurrent writers", matchID)
	}
	s.indexFromFields(ctx, matchID, fields)
	return out, nil
}

func (s *RedisStore) UpdateIfStatus(ctx context.Context, matchID string, expect Status, fields Fields) (*Match, error) {
	m, err := s.applyFields(ctx, matchID, expect, fields)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	s.indexFromFields(ctx, matchID, fields)
	return m, nil
}

// applyFields overlays fields onto the stored JSON document inside a WATCH
// transaction. An expect status of "" skips the status guard; a concurrent
// write to the key fails the transaction either way.
func (s *RedisStore) applyFields(ctx context.Context, matchID string, expect Status, fields Fields) (*Match, error) {
	key := matchKey(matchID)
	var updated *Match
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if expect != "" {
			if cur, _ := doc["status"].(string); cur != string(expect) {
				return redis.TxFailedErr
			}
		}
		for k, v := range fields {
			doc[k] = v
		}
		doc["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		newRaw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		var m Match
		if err := json.Unmarshal(newRaw, &m); err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlMatch)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		updated = &m
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) QueryByPlayer(ctx context.Context, playerID string) ([]*Match, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, nil
	}
	ids, err := s.rdb.SMembers(ctx, idxUserKey(playerID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*Match
	for _, id := range ids {
		m, err := s.FindByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) InsertChat(ctx context.Context, rec *ChatRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := chatKey(rec.MatchID)
	if err := s.rdb.RPush(ctx, key, raw).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlChat).Err()
}

func (s *RedisStore) QueryChat(ctx context.Context, matchID, viewerID string) ([]*ChatRecord, error) {
	raws, err := s.rdb.LRange(ctx, chatKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*ChatRecord
	for _, raw := range raws {
		var rec ChatRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.VisibleTo(viewerID) {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *RedisStore) indexFromFields(ctx context.Context, matchID string, fields Fields) {
	white, _ := fields["white_player"].(string)
	black, _ := fields["black_player"].(string)
	s.indexPlayers(ctx, matchID, white, black)
}

func (s *RedisStore) indexPlayers(ctx context.Context, matchID string, players ...string) {
	for _, p := range players {
		if strings.TrimSpace(p) == "" {
			continue
		}
		key := idxUserKey(p)
		_ = s.rdb.SAdd(ctx, key, matchID).Err()
		_ = s.rdb.Expire(ctx, key, ttlMatch).Err()
	}
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
