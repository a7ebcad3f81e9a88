package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*SQLiteKV, string, []byte) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	kv, err := NewSQLiteKV(dataDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv, dataDir, key
}

func TestSQLiteKVRoundTrip(t *testing.T) {
	kv, _, _ := newTestKV(t)

	_, found, err := kv.Get("settings")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set("settings", []byte(`{"daily_limit_minutes":30}`)))

	value, found, err := kv.Get("settings")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"daily_limit_minutes":30}`, string(value))
}

func TestSQLiteKVOverwrite(t *testing.T) {
	kv, _, _ := newTestKV(t)

	require.NoError(t, kv.Set("k", []byte("first")))
	require.NoError(t, kv.Set("k", []byte("second")))

	value, found, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", string(value))
}

func TestSQLiteKVPersistsAcrossReopen(t *testing.T) {
	kv, dataDir, key := newTestKV(t)
	require.NoError(t, kv.Set("usage", []byte("42")))
	require.NoError(t, kv.Close())

	reopened, err := NewSQLiteKV(dataDir, key)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get("usage")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "42", string(value))
}

func TestSQLiteKVRejectsWrongKey(t *testing.T) {
	kv, dataDir, _ := newTestKV(t)
	require.NoError(t, kv.Set("k", []byte("v")))
	require.NoError(t, kv.Close())

	wrongKey, err := GenerateKey()
	require.NoError(t, err)

	_, err = NewSQLiteKV(dataDir, wrongKey)
	assert.Error(t, err)
}
