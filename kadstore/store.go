// Package kadstore implements the bounded in-memory record store that backs
// the DHT routing sub-protocol of a light client.
//
// The store never evicts entries to make room. Once a cap is reached, inserts
// for new keys fail with an error matching [ErrStoreFull] until expiry or
// removal frees space. Callers rely on this to tell a record that could not
// be stored apart from a network failure.
package kadstore

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Record is a value entry of the store.
type Record struct {
	Key       []byte
	Value     []byte
	Publisher peer.ID

	// Expires is the zero time for records that never expire.
	Expires time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// ProviderRecord asserts that Provider can serve the content stored under Key.
type ProviderRecord struct {
	Key      []byte
	Provider peer.ID
	Expires  time.Time
}

func (p ProviderRecord) expired(now time.Time) bool {
	return !p.Expires.IsZero() && !now.Before(p.Expires)
}

// MemoryStore is a bounded record and provider store. It is safe for
// concurrent use: the DHT serves inbound requests on stream goroutines while
// the event loop reads the store for republishing.
type MemoryStore struct {
	cfg Config

	mu        sync.RWMutex
	records   map[string]Record
	providers map[string][]ProviderRecord
	provided  map[string]struct{}
}

// NewMemoryStore creates an empty store. A nil configuration uses
// [DefaultConfig].
func NewMemoryStore(cfg *Config) (*MemoryStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &MemoryStore{
		cfg:       *cfg,
		records:   map[string]Record{},
		providers: map[string][]ProviderRecord{},
		provided:  map[string]struct{}{},
	}, nil
}

// Put stores rec. Replacing the record of a key that is already present is
// always allowed and keeps the record count constant.
func (s *MemoryStore) Put(rec Record) error {
	if len(rec.Value) > s.cfg.MaxValueBytes {
		return &LimitError{Limit: LimitValueBytes, Max: s.cfg.MaxValueBytes}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(rec.Key)
	if _, found := s.records[k]; !found && len(s.records) >= s.cfg.MaxRecords {
		return &LimitError{Limit: LimitRecords, Max: s.cfg.MaxRecords}
	}

	s.records[k] = Record{
		Key:       bytes.Clone(rec.Key),
		Value:     bytes.Clone(rec.Value),
		Publisher: rec.Publisher,
		Expires:   rec.Expires,
	}

	return nil
}

// Admits reports the error a [MemoryStore.Put] of a new record under key
// would fail with because of the record cap, or nil if it would be accepted.
func (s *MemoryStore) Admits(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, found := s.records[string(key)]; !found && len(s.records) >= s.cfg.MaxRecords {
		return &LimitError{Limit: LimitRecords, Max: s.cfg.MaxRecords}
	}
	return nil
}

// Get returns the record stored under key. Expired records are reported as
// absent but only removed by [MemoryStore.CollectGarbage].
func (s *MemoryStore) Get(key []byte) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, found := s.records[string(key)]
	if !found || rec.expired(s.cfg.Clock.Now()) {
		return Record{}, false
	}

	return rec, true
}

// Has reports whether a live record is stored under key.
func (s *MemoryStore) Has(key []byte) bool {
	_, found := s.Get(key)
	return found
}

// Remove deletes the record stored under key. Removing an absent key is a
// no-op.
func (s *MemoryStore) Remove(key []byte) {
	s.mu.Lock()
	delete(s.records, string(key))
	s.mu.Unlock()
}

// Len returns the number of records held, including expired ones that were
// not yet collected. It never exceeds MaxRecords.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a snapshot of all live records ordered by key.
func (s *MemoryStore) Records() []Record {
	s.mu.RLock()
	now := s.cfg.Clock.Now()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.expired(now) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})

	return out
}

// AddProvider adds a provider entry. Updating the entry of a provider that
// is already known for the key is always allowed. A new provider is rejected
// if the key already holds MaxProvidersPerKey providers, and a new key is
// rejected if MaxProvidedKeys keys already hold providers.
func (s *MemoryStore) AddProvider(prov ProviderRecord) error {
	if prov.Provider == "" {
		return fmt.Errorf("provider record without provider")
	}

	if prov.Expires.IsZero() {
		prov.Expires = s.cfg.Clock.Now().Add(s.cfg.ProvideValidity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(prov.Key)
	provs, found := s.providers[k]
	if !found && len(s.providers) >= s.cfg.MaxProvidedKeys {
		return &LimitError{Limit: LimitProvidedKeys, Max: s.cfg.MaxProvidedKeys}
	}

	prov.Key = bytes.Clone(prov.Key)
	for i := range provs {
		if provs[i].Provider == prov.Provider {
			provs[i] = prov
			return nil
		}
	}

	if len(provs) >= s.cfg.MaxProvidersPerKey {
		return &LimitError{Limit: LimitProvidersPerKey, Max: s.cfg.MaxProvidersPerKey}
	}

	s.providers[k] = append(provs, prov)
	if prov.Provider == s.cfg.Local {
		s.provided[k] = struct{}{}
	}

	return nil
}

// Providers returns the live provider entries of key in insertion order.
func (s *MemoryStore) Providers(key []byte) []ProviderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.cfg.Clock.Now()
	provs := s.providers[string(key)]
	out := make([]ProviderRecord, 0, len(provs))
	for _, p := range provs {
		if p.expired(now) {
			continue
		}
		out = append(out, p)
	}

	return out
}

// RemoveProvider deletes the entry of provider for key.
func (s *MemoryStore) RemoveProvider(key []byte, provider peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeProvider(string(key), provider)
}

func (s *MemoryStore) removeProvider(k string, provider peer.ID) {
	provs := s.providers[k]
	for i := range provs {
		if provs[i].Provider != provider {
			continue
		}

		provs = append(provs[:i], provs[i+1:]...)
		if len(provs) == 0 {
			delete(s.providers, k)
		} else {
			s.providers[k] = provs
		}

		if provider == s.cfg.Local {
			delete(s.provided, k)
		}
		return
	}
}

// ProvidedKeys returns the keys for which the local peer is a provider.
func (s *MemoryStore) ProvidedKeys() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, 0, len(s.provided))
	for k := range s.provided {
		out = append(out, []byte(k))
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i], out[j]) < 0
	})

	return out
}

// CollectGarbage removes all expired records and provider entries and
// returns how many were removed.
func (s *MemoryStore) CollectGarbage() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	removed := 0

	for k, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, k)
			removed++
		}
	}

	for k, provs := range s.providers {
		var expired []peer.ID
		for _, p := range provs {
			if p.expired(now) {
				expired = append(expired, p.Provider)
			}
		}
		for _, p := range expired {
			s.removeProvider(k, p)
			removed++
		}
	}

	return removed
}
