package kadstore

import (
	"context"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/multiformats/go-base32"
)

// RecordDecoder extracts the publisher and expiry of the blob the DHT stores
// under key. The returned record must carry key and value unchanged.
type RecordDecoder func(key []byte, value []byte) (Record, error)

// RawRecord is a [RecordDecoder] for blobs without metadata. Records decoded
// with it never expire.
func RawRecord(key []byte, value []byte) (Record, error) {
	return Record{Key: key, Value: value}, nil
}

// Datastore exposes a [MemoryStore] as the datastore of a go-libp2p-kad-dht
// instance. The DHT encodes record keys as base32 datastore keys. Datastore
// decodes them again so that the [MemoryStore] is keyed by the plain DHT key
// and can be read without knowledge of that encoding.
//
// Errors of [MemoryStore.Put] are returned unchanged, so a rejected DHT put
// surfaces [ErrStoreFull] to the publisher.
type Datastore struct {
	store  *MemoryStore
	decode RecordDecoder
}

var _ ds.Batching = (*Datastore)(nil)

// NewDatastore wraps store. A nil decode uses [RawRecord].
func NewDatastore(store *MemoryStore, decode RecordDecoder) *Datastore {
	if decode == nil {
		decode = RawRecord
	}
	return &Datastore{store: store, decode: decode}
}

// recordKey converts a datastore key into the DHT key it was derived from.
// Keys that are not base32 encoded are used verbatim.
func recordKey(key ds.Key) []byte {
	name := strings.TrimPrefix(key.String(), "/")
	raw, err := base32.RawStdEncoding.DecodeString(name)
	if err != nil {
		return []byte(key.String())
	}
	return raw
}

// datastoreKey is the inverse of recordKey.
func datastoreKey(key []byte) ds.Key {
	return ds.NewKey(base32.RawStdEncoding.EncodeToString(key))
}

func (d *Datastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	rec, found := d.store.Get(recordKey(key))
	if !found {
		return nil, ds.ErrNotFound
	}
	return rec.Value, nil
}

func (d *Datastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	return d.store.Has(recordKey(key)), nil
}

func (d *Datastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	rec, found := d.store.Get(recordKey(key))
	if !found {
		return -1, ds.ErrNotFound
	}
	return len(rec.Value), nil
}

func (d *Datastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	recs := d.store.Records()
	entries := make([]dsq.Entry, 0, len(recs))
	for _, rec := range recs {
		e := dsq.Entry{
			Key:        datastoreKey(rec.Key).String(),
			Size:       len(rec.Value),
			Expiration: rec.Expires,
		}
		if !q.KeysOnly {
			e.Value = rec.Value
		}
		entries = append(entries, e)
	}

	return dsq.NaiveQueryApply(q, dsq.ResultsWithEntries(q, entries)), nil
}

func (d *Datastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	rec, err := d.decode(recordKey(key), value)
	if err != nil {
		return err
	}
	return d.store.Put(rec)
}

func (d *Datastore) Delete(ctx context.Context, key ds.Key) error {
	d.store.Remove(recordKey(key))
	return nil
}

func (d *Datastore) Sync(ctx context.Context, prefix ds.Key) error {
	return nil
}

func (d *Datastore) Batch(ctx context.Context) (ds.Batch, error) {
	return ds.NewBasicBatch(d), nil
}

func (d *Datastore) Close() error {
	return nil
}
