package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexmgr/codexmgr/internal/gateway/kv"
	"github.com/codexmgr/codexmgr/internal/gateway/kv/kvtest"
)

func TestPutGetDel(t *testing.T) {
	ctx := context.Background()
	fake := kvtest.NewFake()
	store := NewStore(fake)

	sess := &Session{
		AccountPoolID: "pool-a",
		PolicyKey:     "pk",
		IssuedAtMS:    1000,
		ExpiresAtMS:   1000 + 3600_000,
		Note:          "ci",
	}
	require.NoError(t, store.Put(ctx, "tok-1", sess, 3600))

	got, err := store.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *sess, *got)

	ttl, ok := fake.TTL(KeyForToken("tok-1"))
	require.True(t, ok)
	assert.InDelta(t, time.Hour, ttl, float64(time.Second))

	removed, err := store.Del(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Del(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGetMissingIsNil(t *testing.T) {
	store := NewStore(kvtest.NewFake())
	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetUnparseableIsError(t *testing.T) {
	fake := kvtest.NewFake()
	fake.Put(KeyForToken("bad"), "{not json", 0)
	store := NewStore(fake)
	_, err := store.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, kv.ErrUnavailable)
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	store := NewStore(kvtest.NewFake())
	err := store.Put(context.Background(), "tok", &Session{}, 0)
	assert.Error(t, err)
	err = store.Put(context.Background(), "tok", &Session{}, -5)
	assert.Error(t, err)
}

func TestListSortsByExpiryThenToken(t *testing.T) {
	ctx := context.Background()
	fake := kvtest.NewFake()
	store := NewStore(fake)

	require.NoError(t, store.Put(ctx, "b", &Session{AccountPoolID: "p", ExpiresAtMS: 200}, 60))
	require.NoError(t, store.Put(ctx, "a", &Session{AccountPoolID: "p", ExpiresAtMS: 200}, 60))
	require.NoError(t, store.Put(ctx, "c", &Session{AccountPoolID: "p", ExpiresAtMS: 100}, 60))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Token)
	assert.Equal(t, "a", entries[1].Token)
	assert.Equal(t, "b", entries[2].Token)
}

func TestListPropagatesParseErrors(t *testing.T) {
	fake := kvtest.NewFake()
	fake.Put(KeyForToken("ok"), `{"account_pool_id":"p"}`, 0)
	fake.Put(KeyForToken("bad"), "??", 0)
	store := NewStore(fake)

	_, err := store.List(context.Background())
	require.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewToken()
	require.NoError(t, err)
	assert.True(t, len(token) > 3)

	got, ok := TokenFromKey(KeyForToken(token))
	require.True(t, ok)
	assert.Equal(t, token, got)

	_, ok = TokenFromKey("gw:sticky:p:x")
	assert.False(t, ok)
}
