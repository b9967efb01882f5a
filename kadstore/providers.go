package kadstore

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p-kad-dht/providers"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/exp/slog"

	"github.com/libp2p/go-libp2p-das/errs"
	"github.com/libp2p/go-libp2p-das/tele"
)

// ProviderStoreConfig is used to construct a [ProviderStore]. Use
// [DefaultProviderStoreConfig] and modify the result.
type ProviderStoreConfig struct {
	// AddressTTL specifies for how long provider multiaddresses are kept in
	// the peerstore's address book. They are handed out alongside the peer ID
	// so that requesting peers don't need a second lookup.
	AddressTTL time.Duration

	// CacheSize specifies the size of the LRU cache of provider lookups.
	CacheSize int

	// AddressFilter is applied to every address that is put into or read
	// from the address book.
	AddressFilter func([]ma.Multiaddr) []ma.Multiaddr

	// Logger is the logger to use
	Logger *slog.Logger

	// MeterProvider is used to count cache hits and misses.
	MeterProvider metric.MeterProvider
}

// DefaultProviderStoreConfig returns the default [ProviderStore] configuration.
func DefaultProviderStoreConfig() *ProviderStoreConfig {
	return &ProviderStoreConfig{
		AddressTTL:    24 * time.Hour, // MAGIC
		CacheSize:     256,            // MAGIC
		AddressFilter: func(maddrs []ma.Multiaddr) []ma.Multiaddr { return maddrs },
		Logger:        slog.Default(),
		MeterProvider: otel.GetMeterProvider(),
	}
}

// Validate checks the configuration for usability.
func (c *ProviderStoreConfig) Validate() error {
	if c.AddressTTL <= 0 {
		return errs.Invalid("provider store", "address ttl must be a positive duration")
	}

	if c.CacheSize < 1 {
		return errs.Invalid("provider store", "cache size must be at least 1, got %d", c.CacheSize)
	}

	if c.AddressFilter == nil {
		return errs.Invalid("provider store", "address filter must not be nil")
	}

	if c.Logger == nil {
		return errs.Invalid("provider store", "logger must not be nil")
	}

	if c.MeterProvider == nil {
		return errs.Invalid("provider store", "meter provider must not be nil")
	}

	return nil
}

// ProviderStore exposes the provider entries of a [MemoryStore] to
// go-libp2p-kad-dht. Only peer IDs and expiry live in the [MemoryStore],
// multiaddresses are kept in the peerstore's address book.
type ProviderStore struct {
	cfg      *ProviderStoreConfig
	log      *slog.Logger
	store    *MemoryStore
	addrBook peerstore.AddrBook

	// cache holds the provider IDs of recently requested keys. It is
	// invalidated on every write to a key and purged after garbage
	// collection.
	cache *lru.Cache[string, []peer.ID]

	lookups metric.Int64Counter
}

var _ providers.ProviderStore = (*ProviderStore)(nil)

// NewProviderStore wraps store. A nil configuration uses
// [DefaultProviderStoreConfig].
func NewProviderStore(store *MemoryStore, addrBook peerstore.AddrBook, cfg *ProviderStoreConfig) (*ProviderStore, error) {
	if cfg == nil {
		cfg = DefaultProviderStoreConfig()
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, []peer.ID](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("new lru cache: %w", err)
	}

	lookups, err := cfg.MeterProvider.Meter(tele.MeterName).Int64Counter("provider_lookups", metric.WithDescription("Provider lookups served from the store, by cache hit or miss"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("provider_lookups counter: %w", err)
	}

	return &ProviderStore{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    store,
		addrBook: addrBook,
		cache:    cache,
		lookups:  lookups,
	}, nil
}

// AddProvider records that prov can serve the content of key. Rejections
// by the underlying store are returned and match [ErrStoreFull].
func (p *ProviderStore) AddProvider(ctx context.Context, key []byte, prov peer.AddrInfo) error {
	if err := p.store.AddProvider(ProviderRecord{Key: key, Provider: prov.ID}); err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "provider rejected", slog.String("provider", prov.ID.String()), slog.String("err", err.Error()))
		return err
	}

	p.cache.Remove(string(key))

	if filtered := p.cfg.AddressFilter(prov.Addrs); len(filtered) > 0 {
		p.addrBook.AddAddrs(prov.ID, filtered, p.cfg.AddressTTL)
	}

	return nil
}

// GetProviders returns all live providers of key together with their known
// addresses.
func (p *ProviderStore) GetProviders(ctx context.Context, key []byte) ([]peer.AddrInfo, error) {
	ids, hit := p.cache.Get(string(key))
	p.lookups.Add(ctx, 1, metric.WithAttributes(tele.AttrCacheHit(hit)))

	if !hit {
		recs := p.store.Providers(key)
		ids = make([]peer.ID, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.Provider)
		}
		if len(ids) > 0 {
			p.cache.Add(string(key), ids)
		}
	}

	out := make([]peer.AddrInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, peer.AddrInfo{
			ID:    id,
			Addrs: p.cfg.AddressFilter(p.addrBook.Addrs(id)),
		})
	}

	return out, nil
}

// Purge drops all cached lookups. Call it after the underlying store
// collected garbage.
func (p *ProviderStore) Purge() {
	p.cache.Purge()
}

// Close implements io.Closer. The underlying store is not owned by the
// ProviderStore and stays usable.
func (p *ProviderStore) Close() error {
	p.cache.Purge()
	return nil
}
