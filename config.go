package das

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"github.com/libp2p/go-libp2p-das/kadstore"
	"github.com/libp2p/go-libp2p-das/tele"
)

// Mode describes how the node participates in the DHT.
type Mode string

const (
	// ModeClient only issues DHT queries and never answers them. Light
	// clients run in this mode.
	ModeClient Mode = "client"

	// ModeServer fully participates in the DHT, answers routing queries and
	// stores records for other peers. Fat clients that must be discoverable
	// as providers run in this mode.
	ModeServer Mode = "server"
)

// DefaultProtocolPrefix is the prefix of the DHT protocol ID. Nodes with
// different prefixes form separate networks.
const DefaultProtocolPrefix protocol.ID = "/das"

// DefaultNamespace is the DHT key namespace sample records are published
// under.
const DefaultNamespace = "das"

// Config contains all the configuration options of a node. Use
// [DefaultConfig] to build up your own configuration struct. [New] uses
// [*Config.Validate] to test for violations of configuration invariants.
type Config struct {
	// Clock drives all timers of the event loop and the record expiry.
	Clock clock.Clock

	// Mode selects client or server participation in the DHT.
	Mode Mode

	// ListenAddrs are the addresses the host listens on.
	ListenAddrs []ma.Multiaddr

	// BootstrapPeers are dialed on every bootstrap.
	BootstrapPeers []peer.AddrInfo

	// BootstrapInterval is the period of the re-bootstrap timer. It is also
	// used as the routing table refresh period of the DHT.
	BootstrapInterval time.Duration

	// Relays are the circuit relays a reservation is kept with.
	Relays []peer.AddrInfo

	// ProtocolPrefix is the DHT protocol prefix.
	ProtocolPrefix protocol.ID

	// Namespace is the DHT key namespace of sample records.
	Namespace string

	// Kademlia holds the DHT tuning.
	Kademlia KademliaConfig

	// Identify holds what the host announces about itself.
	Identify IdentifyConfig

	// AutoNAT holds the reachability probing schedule.
	AutoNAT AutoNATConfig

	// EnableMDNS turns on local network discovery.
	EnableMDNS bool

	// MDNSServiceName is the mDNS service tag. Nodes only discover each other
	// if they use the same tag.
	MDNSServiceName string

	// PingInterval is the period in which connected peers are pinged.
	PingInterval time.Duration

	// PingTimeout bounds a single ping.
	PingTimeout time.Duration

	// CommandQueueSize is the capacity of the command queue between clients
	// and the event loop. A full queue makes client calls wait.
	CommandQueueSize int

	// EventQueueSize is the capacity of the queue between the behaviour and
	// the event loop.
	EventQueueSize int

	// DHTParallelizationLimit is the maximum number of outstanding puts of a
	// batch.
	DHTParallelizationLimit int

	// PutBatchSize is the number of records of a batch that are dispatched
	// as one group. Groups run one after another.
	PutBatchSize int

	// RecordTTL is the default lifetime of published records.
	RecordTTL time.Duration

	// GetCacheSize is the number of fetched records the event loop keeps to
	// answer repeated lookups without a network query. Zero disables the
	// cache.
	GetCacheSize int

	// GetCacheTTL bounds how long a cached record is served. Records
	// replaced by other publishers become visible after at most this long.
	GetCacheTTL time.Duration

	// MaintenanceInterval is the period in which the event loop collects
	// garbage in the store, republishes records and renews relay
	// reservations that are about to expire.
	MaintenanceInterval time.Duration

	// Logger can be used to configure a custom structured logger instance.
	// By default go.uber.org/zap is used (wrapped in ipfs/go-log).
	Logger *slog.Logger

	// MeterProvider provides access to named Meter instances.
	MeterProvider metric.MeterProvider

	// TracerProvider provides Tracers that are used by instrumentation code to
	// trace computational workflows.
	TracerProvider trace.TracerProvider
}

// KademliaConfig holds the tuning of the DHT routing sub-protocol and of the
// bounded store backing it.
type KademliaConfig struct {
	// MaxRecords caps the number of records held by the store.
	MaxRecords int

	// MaxRecordSize caps the size of a single sample value.
	MaxRecordSize int

	// MaxProvidedKeys caps the number of keys with provider entries.
	MaxProvidedKeys int

	// ReplicationFactor is the number of closest peers a record is stored
	// at. It is also the bucket size and the provider cap per key.
	ReplicationFactor int

	// PublicationInterval is the period in which records published by this
	// node are published again.
	PublicationInterval time.Duration

	// ReplicationInterval is the period in which all stored records are
	// replicated to the current closest peers. Only servers replicate.
	ReplicationInterval time.Duration

	// ConnectionIdleTimeout is the grace period of new connections before
	// the connection manager may trim them.
	ConnectionIdleTimeout time.Duration

	// QueryTimeout bounds every DHT query.
	QueryTimeout time.Duration

	// QueryParallelism is the number of concurrent requests of a query.
	QueryParallelism int

	// PutQuorum is the number of remote peers that must confirm a put.
	// Fewer confirmations fail the put even though the record is stored
	// locally.
	PutQuorum int

	// MaxRecordAge is the upper bound of the age of records the DHT accepts
	// from other peers.
	MaxRecordAge time.Duration

	// LowWater and HighWater are the connection manager's watermarks.
	LowWater  int
	HighWater int
}

// IdentifyConfig holds what the host announces in the identify exchange.
type IdentifyConfig struct {
	AgentVersion    string
	ProtocolVersion string
}

// AutoNATConfig configures the AutoNAT client and service of the host.
type AutoNATConfig struct {
	// Reachability forces the reported reachability if it is public or
	// private. Unknown lets AutoNAT determine it.
	Reachability network.Reachability

	// ThrottleServerPeriod is the window in which servers answer at most
	// ServerRateLimit dial-back requests.
	ThrottleServerPeriod time.Duration

	// ServerRateLimit caps answered dial-back requests per ThrottleServerPeriod.
	ServerRateLimit int

	// OnlyGlobalIPs restricts dialed-back addresses to public ones.
	OnlyGlobalIPs bool
}

// DefaultConfig returns a configuration struct that can be used as-is to
// run a light client. Bootstrap peers and relays are network specific and
// have to be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		Clock: clock.New(),
		Mode:  ModeClient,
		ListenAddrs: []ma.Multiaddr{
			ma.StringCast("/ip4/0.0.0.0/udp/37000/quic-v1"),
			ma.StringCast("/ip4/0.0.0.0/tcp/37000"),
		},
		BootstrapPeers:    nil,
		BootstrapInterval: 5 * time.Minute,
		Relays:            nil,
		ProtocolPrefix:    DefaultProtocolPrefix,
		Namespace:         DefaultNamespace,
		Kademlia: KademliaConfig{
			MaxRecords:            2_400_000, // ~2h of samples
			MaxRecordSize:         8192,
			MaxProvidedKeys:       1024,
			ReplicationFactor:     20,
			PublicationInterval:   12 * time.Hour,
			ReplicationInterval:   3 * time.Hour,
			ConnectionIdleTimeout: 30 * time.Second,
			QueryTimeout:          60 * time.Second,
			QueryParallelism:      3,
			PutQuorum:             1,
			MaxRecordAge:          36 * time.Hour,
			LowWater:              100,
			HighWater:             400,
		},
		Identify: IdentifyConfig{
			AgentVersion:    "go-libp2p-das/0.1.0",
			ProtocolVersion: "/das/id/1.0.0",
		},
		AutoNAT: AutoNATConfig{
			Reachability:         network.ReachabilityUnknown,
			ThrottleServerPeriod: 90 * time.Second,
			ServerRateLimit:      30,
			OnlyGlobalIPs:        true,
		},
		EnableMDNS:              true,
		MDNSServiceName:         "das-mdns",
		PingInterval:            15 * time.Second,
		PingTimeout:             20 * time.Second,
		CommandQueueSize:        10_000,
		EventQueueSize:          1024,
		DHTParallelizationLimit: 20,
		PutBatchSize:            1000,
		RecordTTL:               24 * time.Hour,
		GetCacheSize:            4096,
		GetCacheTTL:             time.Minute,
		MaintenanceInterval:     time.Minute,
		Logger:                  tele.DefaultLogger("das"),
		MeterProvider:           otel.GetMeterProvider(),
		TracerProvider:          otel.GetTracerProvider(),
	}
}

// Validate validates the configuration struct it is called on. It returns
// an error if any configuration issue was detected and nil if this is
// a valid configuration.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return fmt.Errorf("clock must not be nil")
	}

	switch c.Mode {
	case ModeClient, ModeServer:
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}

	if c.BootstrapInterval <= 0 {
		return fmt.Errorf("bootstrap interval must be a positive duration")
	}

	if c.ProtocolPrefix == "" {
		return fmt.Errorf("protocol prefix must not be empty")
	}

	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}

	if err := c.Kademlia.Validate(); err != nil {
		return fmt.Errorf("invalid kademlia configuration: %w", err)
	}

	if c.Identify.ProtocolVersion == "" {
		return fmt.Errorf("identify protocol version must not be empty")
	}

	switch c.AutoNAT.Reachability {
	case network.ReachabilityUnknown, network.ReachabilityPublic, network.ReachabilityPrivate:
	default:
		return fmt.Errorf("invalid autonat reachability: %d", c.AutoNAT.Reachability)
	}

	if c.EnableMDNS && c.MDNSServiceName == "" {
		return fmt.Errorf("mdns service name must not be empty")
	}

	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		return fmt.Errorf("ping interval and timeout must be positive durations")
	}

	if c.CommandQueueSize < 1 {
		return fmt.Errorf("command queue size must be at least 1")
	}

	if c.EventQueueSize < 1 {
		return fmt.Errorf("event queue size must be at least 1")
	}

	if c.DHTParallelizationLimit < 1 {
		return fmt.Errorf("dht parallelization limit must be at least 1")
	}

	if c.PutBatchSize < 1 {
		return fmt.Errorf("put batch size must be at least 1")
	}

	if c.RecordTTL <= 0 {
		return fmt.Errorf("record ttl must be a positive duration")
	}

	if c.GetCacheSize < 0 {
		return fmt.Errorf("get cache size must not be negative")
	}

	if c.GetCacheSize > 0 && c.GetCacheTTL <= 0 {
		return fmt.Errorf("get cache ttl must be a positive duration")
	}

	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be a positive duration")
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.MeterProvider == nil {
		return fmt.Errorf("opentelemetry meter provider must not be nil")
	}

	if c.TracerProvider == nil {
		return fmt.Errorf("opentelemetry tracer provider must not be nil")
	}

	return nil
}

// Validate checks the DHT tuning.
func (c *KademliaConfig) Validate() error {
	if c.MaxRecords < 1 {
		return fmt.Errorf("max records must be at least 1")
	}

	if c.MaxRecordSize < 1 {
		return fmt.Errorf("max record size must be at least 1")
	}

	if c.MaxProvidedKeys < 1 {
		return fmt.Errorf("max provided keys must be at least 1")
	}

	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1")
	}

	if c.PublicationInterval <= 0 || c.ReplicationInterval <= 0 {
		return fmt.Errorf("publication and replication intervals must be positive durations")
	}

	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be a positive duration")
	}

	if c.QueryParallelism < 1 {
		return fmt.Errorf("query parallelism must be at least 1")
	}

	if c.PutQuorum < 1 || c.PutQuorum > c.ReplicationFactor {
		return fmt.Errorf("put quorum must be between 1 and the replication factor %d", c.ReplicationFactor)
	}

	if c.MaxRecordAge <= 0 {
		return fmt.Errorf("max record age must be a positive duration")
	}

	if c.LowWater < 0 || c.HighWater < c.LowWater {
		return fmt.Errorf("invalid connection manager watermarks: low %d, high %d", c.LowWater, c.HighWater)
	}

	return nil
}

// storeConfig derives the configuration of the bounded store. The value cap
// leaves room for the record envelope and the DHT's record framing around
// the sample.
func (c *Config) storeConfig(local peer.ID) *kadstore.Config {
	cfg := kadstore.DefaultConfig()
	cfg.Clock = c.Clock
	cfg.Local = local
	cfg.MaxRecords = c.Kademlia.MaxRecords
	cfg.MaxValueBytes = c.Kademlia.MaxRecordSize + maxRecordOverhead
	cfg.MaxProvidersPerKey = c.Kademlia.ReplicationFactor
	cfg.MaxProvidedKeys = c.Kademlia.MaxProvidedKeys
	return cfg
}

// AddrFilterPublic keeps only public addresses.
func AddrFilterPublic(maddrs []ma.Multiaddr) []ma.Multiaddr {
	return ma.FilterAddrs(maddrs, manet.IsPublicAddr)
}

// AddrFilterIdentity keeps all addresses.
func AddrFilterIdentity(maddrs []ma.Multiaddr) []ma.Multiaddr {
	return maddrs
}
