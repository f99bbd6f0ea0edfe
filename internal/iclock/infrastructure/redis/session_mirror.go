package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"iclock-cloud/internal/iclock/application"
)

const defaultKeyPrefix = "iclock:session:"

// SessionMirror stores session snapshots as JSON strings keyed by serial.
type SessionMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// MirrorOption configures the mirror.
type MirrorOption func(*SessionMirror)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) MirrorOption {
	return func(m *SessionMirror) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// NewSessionMirror constructs a mirror. A zero ttl keeps keys forever.
func NewSessionMirror(client *redis.Client, ttl time.Duration, opts ...MirrorOption) (*SessionMirror, error) {
	if client == nil {
		return nil, errors.New("session mirror: nil redis client")
	}
	m := &SessionMirror{client: client, prefix: defaultKeyPrefix, ttl: ttl}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Save writes the snapshot and refreshes its expiry.
func (m *SessionMirror) Save(ctx context.Context, snapshot application.SessionSnapshot) error {
	if snapshot.SN == "" {
		return errors.New("session mirror: empty serial")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key(snapshot.SN), payload, m.ttl).Err()
}

// Load returns nil, nil when no snapshot exists for sn.
func (m *SessionMirror) Load(ctx context.Context, sn string) (*application.SessionSnapshot, error) {
	val, err := m.client.Get(ctx, m.key(sn)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snapshot application.SessionSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Serials scans the mirror for every stored serial.
func (m *SessionMirror) Serials(ctx context.Context) ([]string, error) {
	var serials []string
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			serials = append(serials, strings.TrimPrefix(key, m.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return serials, nil
}

func (m *SessionMirror) key(sn string) string {
	return m.prefix + sn
}
