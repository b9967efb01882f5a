package das

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	record "github.com/libp2p/go-libp2p-record"
	recpb "github.com/libp2p/go-libp2p-record/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-varint"

	"github.com/libp2p/go-libp2p-das/kadstore"
)

// maxRecordOverhead bounds the bytes a stored record carries in addition to
// the sample value: the envelope fields and the DHT record framing.
const maxRecordOverhead = 1024

// ErrRecordExpired is returned when validating a record past its expiry.
var ErrRecordExpired = errors.New("record expired")

// SampleRecord is the envelope published as the value of a DHT record. It
// carries the publisher and the expiry next to the sample so that every
// peer storing it can enforce the TTL.
type SampleRecord struct {
	Publisher peer.ID

	// Expires is the zero time for records that never expire.
	Expires time.Time

	Value []byte
}

// PeerRecord is a record fetched from the DHT.
type PeerRecord struct {
	Key       []byte
	Value     []byte
	Publisher peer.ID
	Expires   time.Time
}

// MarshalBinary encodes the envelope as
// uvarint(len(publisher)) publisher uvarint(expires unix ms) value.
func (r *SampleRecord) MarshalBinary() ([]byte, error) {
	var expires uint64
	if !r.Expires.IsZero() {
		ms := r.Expires.UnixMilli()
		if ms <= 0 {
			return nil, fmt.Errorf("expiry before unix epoch: %s", r.Expires)
		}
		expires = uint64(ms)
	}

	pub := []byte(r.Publisher)
	buf := make([]byte, 0, 2*varint.MaxLenUvarint63+len(pub)+len(r.Value))
	buf = append(buf, varint.ToUvarint(uint64(len(pub)))...)
	buf = append(buf, pub...)
	buf = append(buf, varint.ToUvarint(expires)...)
	buf = append(buf, r.Value...)

	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *SampleRecord) UnmarshalBinary(data []byte) error {
	n, read, err := varint.FromUvarint(data)
	if err != nil {
		return fmt.Errorf("publisher length: %w", err)
	}
	data = data[read:]
	if uint64(len(data)) < n {
		return fmt.Errorf("publisher truncated: want %d bytes, have %d", n, len(data))
	}
	pub := data[:n]
	data = data[n:]

	expires, read, err := varint.FromUvarint(data)
	if err != nil {
		return fmt.Errorf("expiry: %w", err)
	}
	data = data[read:]

	r.Publisher = peer.ID(pub)
	r.Expires = time.Time{}
	if expires > 0 {
		r.Expires = time.UnixMilli(int64(expires))
	}
	r.Value = append([]byte(nil), data...)

	return nil
}

func (r *SampleRecord) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// dhtKey maps a sample key into the DHT key space of namespace.
func dhtKey(namespace string, key []byte) string {
	return "/" + namespace + "/" + string(key)
}

// sampleKey is the inverse of dhtKey. It returns false for keys of other
// namespaces.
func sampleKey(namespace string, key string) ([]byte, bool) {
	prefix := "/" + namespace + "/"
	if !strings.HasPrefix(key, prefix) {
		return nil, false
	}
	return []byte(key[len(prefix):]), true
}

// recordValidator checks sample records received from or sent to the DHT.
type recordValidator struct {
	clk           clock.Clock
	maxValueBytes int
}

var _ record.Validator = (*recordValidator)(nil)

func (v *recordValidator) Validate(key string, value []byte) error {
	var rec SampleRecord
	if err := rec.UnmarshalBinary(value); err != nil {
		return fmt.Errorf("decode sample record: %w", err)
	}

	if rec.Publisher != "" {
		if _, err := peer.IDFromBytes([]byte(rec.Publisher)); err != nil {
			return fmt.Errorf("invalid publisher: %w", err)
		}
	}

	if rec.expired(v.clk.Now()) {
		return ErrRecordExpired
	}

	if len(rec.Value) > v.maxValueBytes {
		return &kadstore.LimitError{Limit: kadstore.LimitValueBytes, Max: v.maxValueBytes}
	}

	return nil
}

// Select prefers the record that lives longest. Records without expiry
// outlive all others. Ties go to the earliest candidate, so a fresh put with
// the same expiry replaces the stored record.
func (v *recordValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestExpiry time.Time

	for i, val := range values {
		var rec SampleRecord
		if err := rec.UnmarshalBinary(val); err != nil {
			continue
		}

		switch {
		case best == -1:
		case bestExpiry.IsZero():
			continue
		case rec.Expires.IsZero(), rec.Expires.After(bestExpiry):
		default:
			continue
		}

		best = i
		bestExpiry = rec.Expires
	}

	if best == -1 {
		return 0, fmt.Errorf("no valid sample record among %d candidates", len(values))
	}

	return best, nil
}

// decodeStoredRecord extracts the publisher and expiry of a DHT record as it
// is written into the store: a serialised [recpb.Record] wrapping a
// [SampleRecord].
func decodeStoredRecord(key []byte, value []byte) (kadstore.Record, error) {
	var pbrec recpb.Record
	if err := pbrec.Unmarshal(value); err != nil {
		return kadstore.Record{}, fmt.Errorf("unmarshal dht record: %w", err)
	}

	var rec SampleRecord
	if err := rec.UnmarshalBinary(pbrec.GetValue()); err != nil {
		return kadstore.Record{}, fmt.Errorf("decode sample record: %w", err)
	}

	return kadstore.Record{
		Key:       key,
		Value:     value,
		Publisher: rec.Publisher,
		Expires:   rec.Expires,
	}, nil
}

// storedSample is the inverse of decodeStoredRecord's framing. It returns
// the DHT key and the sample of a stored record.
func storedSample(stored kadstore.Record) (string, *SampleRecord, error) {
	var pbrec recpb.Record
	if err := pbrec.Unmarshal(stored.Value); err != nil {
		return "", nil, fmt.Errorf("unmarshal dht record: %w", err)
	}

	rec := &SampleRecord{}
	if err := rec.UnmarshalBinary(pbrec.GetValue()); err != nil {
		return "", nil, fmt.Errorf("decode sample record: %w", err)
	}

	return string(stored.Key), rec, nil
}
