package filedriver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icrypto "github.com/latticehttp/lattice/internal/crypto"
	"github.com/latticehttp/lattice/session"
)

func newSessionForTest() *session.Session {
	return session.New()
}

func TestDriver_SaveLoadRoundTrip(t *testing.T) {
	d, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	sess := newSessionForTest()
	sess.Set("greeting", "hello")

	ctx := context.Background()
	require.NoError(t, d.Save(ctx, sess, "id1"))

	exists, err := d.Exists(ctx, "id1")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded := newSessionForTest()
	require.NoError(t, d.Load(ctx, loaded, "id1"))
	v, ok := loaded.Get("greeting")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestDriver_LoadMissingFails(t *testing.T) {
	d, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	sess := newSessionForTest()
	err = d.Load(context.Background(), sess, "missing")
	require.Error(t, err)
}

func TestDriver_DestroyThenSaveRecreates(t *testing.T) {
	d, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	sess := newSessionForTest()
	sess.Set("k", "v")
	require.NoError(t, d.Save(ctx, sess, "id1"))
	require.NoError(t, d.Destroy(ctx, sess, "id1"))

	exists, err := d.Exists(ctx, "id1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, d.Save(ctx, sess, "id1"))
	exists, err = d.Exists(ctx, "id1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDriver_DestroyMissingIsNotAnError(t *testing.T) {
	d, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Destroy(context.Background(), newSessionForTest(), "never-existed"))
}

func TestDriver_EncryptedRoundTrip(t *testing.T) {
	enc, err := icrypto.NewEncryptor("01234567890123456789012345678901")
	require.NoError(t, err)
	d, err := New(t.TempDir(), enc, nil)
	require.NoError(t, err)

	ctx := context.Background()
	sess := newSessionForTest()
	sess.Set("secret", "classified")
	require.NoError(t, d.Save(ctx, sess, "id1"))

	loaded := newSessionForTest()
	require.NoError(t, d.Load(ctx, loaded, "id1"))
	v, ok := loaded.Get("secret")
	assert.True(t, ok)
	assert.Equal(t, "classified", v)
}

func TestEncodeRecord_ProducesKLVStream(t *testing.T) {
	raw, err := encodeRecord(map[string]any{"a": "x", "bb": 2})
	require.NoError(t, err)

	decoded, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "x", decoded["a"])
	assert.Equal(t, float64(2), decoded["bb"])

	// Manually walk the stream to confirm the key_len/key/val_len/val layout
	// spec §6 specifies, not just that decodeRecord can read its own output.
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		keyLen, err := binary.ReadUvarint(r)
		require.NoError(t, err)
		key := make([]byte, keyLen)
		_, err = io.ReadFull(r, key)
		require.NoError(t, err)

		valLen, err := binary.ReadUvarint(r)
		require.NoError(t, err)
		val := make([]byte, valLen)
		_, err = io.ReadFull(r, val)
		require.NoError(t, err)

		assert.Contains(t, []string{"a", "bb"}, string(key))
	}
}

func TestEncodeRecord_DeterministicAcrossCalls(t *testing.T) {
	data := map[string]any{"z": 1, "a": 2, "m": 3}
	first, err := encodeRecord(data)
	require.NoError(t, err)
	second, err := encodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDriver_SavedFileIsKLVNotJSON(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, nil, nil)
	require.NoError(t, err)

	sess := newSessionForTest()
	sess.Set("greeting", "hello")
	require.NoError(t, d.Save(context.Background(), sess, "id1"))

	raw, err := os.ReadFile(filepath.Join(dir, "id1.sess"))
	require.NoError(t, err)

	decoded, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded["greeting"])

	// A JSON document would start with '{'; the KLV stream starts with the
	// first key's varint length instead.
	assert.NotEqual(t, byte('{'), raw[0])
}

func TestDriver_EncryptedDataIsNotPlaintextOnDisk(t *testing.T) {
	enc, err := icrypto.NewEncryptor("01234567890123456789012345678901")
	require.NoError(t, err)
	dir := t.TempDir()
	d, err := New(dir, enc, nil)
	require.NoError(t, err)

	sess := newSessionForTest()
	sess.Set("secret", "classified")
	require.NoError(t, d.Save(context.Background(), sess, "id1"))

	raw, err := os.ReadFile(filepath.Join(dir, "id1.sess"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "classified")
}
