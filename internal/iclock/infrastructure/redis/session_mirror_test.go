package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iclock-cloud/internal/iclock/application"
	iclock "iclock-cloud/internal/iclock/domain"
)

func setupMirror(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *SessionMirror) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mirror, err := NewSessionMirror(client, ttl)
	require.NoError(t, err)
	return mr, mirror
}

func TestSessionMirrorRoundTrip(t *testing.T) {
	mr, mirror := setupMirror(t, time.Hour)
	ctx := context.Background()
	seen := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, mirror.Save(ctx, application.SessionSnapshot{
		SN:         "SN1",
		LastSeenAt: seen,
		PinField:   "PIN",
		Info:       iclock.DeviceInfo{Users: 12},
		QueueDepth: 2,
		UserCount:  12,
	}))
	assert.True(t, mr.Exists("iclock:session:SN1"))
	assert.Equal(t, time.Hour, mr.TTL("iclock:session:SN1"))

	snapshot, err := mirror.Load(ctx, "SN1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, seen.Equal(snapshot.LastSeenAt))
	assert.Equal(t, 12, snapshot.Info.Users)
	assert.Equal(t, 2, snapshot.QueueDepth)

	mr.FastForward(2 * time.Hour)
	snapshot, err = mirror.Load(ctx, "SN1")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestSessionMirrorSerials(t *testing.T) {
	mr, mirror := setupMirror(t, 0)
	ctx := context.Background()
	require.NoError(t, mirror.Save(ctx, application.SessionSnapshot{SN: "SN1"}))
	require.NoError(t, mirror.Save(ctx, application.SessionSnapshot{SN: "SN2"}))
	require.NoError(t, mr.Set("unrelated", "x"))

	serials, err := mirror.Serials(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SN1", "SN2"}, serials)
}

func TestSessionMirrorRejectsInvalidInput(t *testing.T) {
	_, err := NewSessionMirror(nil, time.Minute)
	require.Error(t, err)

	mr, mirror := setupMirror(t, time.Minute)
	require.Error(t, mirror.Save(context.Background(), application.SessionSnapshot{}))

	require.NoError(t, mr.Set("iclock:session:BAD", "{not json"))
	_, err = mirror.Load(context.Background(), "BAD")
	require.Error(t, err)
}
