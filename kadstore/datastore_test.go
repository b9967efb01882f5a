package kadstore

import (
	"context"
	"errors"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatastore_keyEncoding(t *testing.T) {
	key := []byte("/das/0badc0ffee")
	dsKey := datastoreKey(key)
	assert.Equal(t, key, recordKey(dsKey))

	// keys that are not base32 are taken verbatim
	assert.Equal(t, []byte("/not/base32"), recordKey(ds.NewKey("/not/base32")))
}

func TestDatastore_putGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	d := NewDatastore(s, nil)

	key := []byte("/das/cell")
	require.NoError(t, d.Put(ctx, datastoreKey(key), []byte("value")))

	val, err := d.Get(ctx, datastoreKey(key))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	// the store is keyed by the plain DHT key
	rec, found := s.Get(key)
	require.True(t, found)
	assert.Equal(t, []byte("value"), rec.Value)

	has, err := d.Has(ctx, datastoreKey(key))
	require.NoError(t, err)
	assert.True(t, has)

	size, err := d.GetSize(ctx, datastoreKey(key))
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	require.NoError(t, d.Delete(ctx, datastoreKey(key)))
	_, err = d.Get(ctx, datastoreKey(key))
	assert.Equal(t, ds.ErrNotFound, err)

	_, err = d.GetSize(ctx, datastoreKey(key))
	assert.Equal(t, ds.ErrNotFound, err)
}

func TestDatastore_putRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, func(c *Config) { c.MaxRecords = 1 })
	d := NewDatastore(s, nil)

	require.NoError(t, d.Put(ctx, datastoreKey([]byte("a")), []byte("1")))
	err := d.Put(ctx, datastoreKey([]byte("b")), []byte("2"))
	assert.ErrorIs(t, err, ErrStoreFull)
}

func TestDatastore_decoder(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, nil)

	expires := clk.Now().Add(time.Hour)
	errBroken := errors.New("broken")
	d := NewDatastore(s, func(key []byte, value []byte) (Record, error) {
		if string(value) == "broken" {
			return Record{}, errBroken
		}
		return Record{Key: key, Value: value, Publisher: peer.ID("publisher"), Expires: expires}, nil
	})

	require.NoError(t, d.Put(ctx, datastoreKey([]byte("a")), []byte("1")))
	rec, found := s.Get([]byte("a"))
	require.True(t, found)
	assert.Equal(t, peer.ID("publisher"), rec.Publisher)
	assert.Equal(t, expires, rec.Expires)

	assert.ErrorIs(t, d.Put(ctx, datastoreKey([]byte("b")), []byte("broken")), errBroken)
	assert.Equal(t, 1, s.Len())
}

func TestDatastore_query(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	d := NewDatastore(s, nil)

	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, d.Put(ctx, datastoreKey([]byte(k)), []byte(k)))
	}

	res, err := d.Query(ctx, dsq.Query{})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, recordKey(ds.RawKey(e.Key)), e.Value)
	}

	res, err = d.Query(ctx, dsq.Query{KeysOnly: true, Limit: 2})
	require.NoError(t, err)
	entries, err = res.Rest()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Value)
}

func TestDatastore_batch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	d := NewDatastore(s, nil)

	b, err := d.Batch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, datastoreKey([]byte("a")), []byte("1")))
	require.NoError(t, b.Put(ctx, datastoreKey([]byte("b")), []byte("2")))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, b.Commit(ctx))
	assert.Equal(t, 2, s.Len())
}
