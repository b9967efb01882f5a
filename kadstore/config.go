package kadstore

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/libp2p/go-libp2p-das/errs"
)

// Config holds the caps of a [MemoryStore]. Every cap is enforced
// independently and an insert that would exceed any of them is rejected.
type Config struct {
	// Clock is used to decide whether records and provider entries have
	// expired.
	Clock clock.Clock

	// Local is the peer ID of the node owning the store. Provider entries
	// naming this peer are tracked as locally provided keys.
	Local peer.ID

	// MaxRecords is the maximum number of value records held at once.
	MaxRecords int

	// MaxValueBytes is the maximum size of a single record value.
	MaxValueBytes int

	// MaxProvidersPerKey is the maximum number of provider entries per key.
	// It should match the replication factor of the DHT.
	MaxProvidersPerKey int

	// MaxProvidedKeys is the maximum number of distinct keys that may hold
	// provider entries.
	MaxProvidedKeys int

	// ProvideValidity is how long a provider entry stays valid when it is
	// added without an explicit expiry.
	ProvideValidity time.Duration
}

// DefaultConfig returns the caps a light client runs with. MaxRecords covers
// roughly two hours of sampled cells.
func DefaultConfig() *Config {
	return &Config{
		Clock:              clock.New(),
		MaxRecords:         2_400_000, // MAGIC
		MaxValueBytes:      8192,      // MAGIC
		MaxProvidersPerKey: 20,        // replication factor
		MaxProvidedKeys:    1024,      // MAGIC
		ProvideValidity:    48 * time.Hour,
	}
}

// Validate checks that all caps are usable.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return errs.Invalid("kadstore", "clock must not be nil")
	}

	if c.MaxRecords < 1 {
		return errs.Invalid("kadstore", "max records must be at least 1, got %d", c.MaxRecords)
	}

	if c.MaxValueBytes < 1 {
		return errs.Invalid("kadstore", "max value bytes must be at least 1, got %d", c.MaxValueBytes)
	}

	if c.MaxProvidersPerKey < 1 {
		return errs.Invalid("kadstore", "max providers per key must be at least 1, got %d", c.MaxProvidersPerKey)
	}

	if c.MaxProvidedKeys < 1 {
		return errs.Invalid("kadstore", "max provided keys must be at least 1, got %d", c.MaxProvidedKeys)
	}

	if c.ProvideValidity <= 0 {
		return errs.Invalid("kadstore", "provide validity must be a positive duration")
	}

	return nil
}
