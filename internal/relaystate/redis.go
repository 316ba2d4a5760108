package relaystate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

const (
	redisKey     = "voicerelay:state"
	redisTimeout = 2 * time.Second
)

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the given Redis URL and returns a Store.
// The key is initialized to an idle status if it does not exist.
func NewRedisStore(addr string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: redisKey}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	b, _ := json.Marshal(relay.Status{State: relay.Idle})
	_ = c.SetNX(ctx, rs.key, b, 0).Err()
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}

	q := u.Query()
	db := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "redis", "rediss":
		if db == "" {
			db = q.Get("db")
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = db
		db = q.Get("db")
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = n
	}
	return opts, nil
}

func (r *redisStore) Load() relay.Status {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return relay.Status{State: relay.Idle}
		}
		logx.Log.Warn().Err(err).Msg("redis state load failed")
		return relay.Status{State: "unknown"}
	}
	var st relay.Status
	if err := json.Unmarshal(b, &st); err != nil {
		return relay.Status{State: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s relay.Status) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Msg("redis state store failed")
	}
}

// Close releases the Redis client.
func (r *redisStore) Close() error { return r.client.Close() }
