package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	das "github.com/libp2p/go-libp2p-das"
	"github.com/libp2p/go-libp2p-das/identity"
)

// Config is the configuration of the das-node process. Values are read from
// an optional YAML file first and then overridden by command line flags and
// environment variables.
type Config struct {
	ConfigFile  string          `yaml:"-"`
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	Server      bool            `yaml:"server"`
	Identity    identity.Source `yaml:"identity" json:"-"`
	Bootstraps  []string        `yaml:"bootstraps"`
	Relays      []string        `yaml:"relays"`
	MDNS        bool            `yaml:"mdns"`
	MetricsHost string          `yaml:"metrics_host"`
	MetricsPort int             `yaml:"metrics_port"`
	TraceHost   string          `yaml:"trace_host"`
	TracePort   int             `yaml:"trace_port"`

	Kademlia KademliaConfig `yaml:"kademlia"`
}

// KademliaConfig holds the DHT tuning that can be set from the config file.
// Zero values keep the defaults.
type KademliaConfig struct {
	MaxRecords          int           `yaml:"max_records"`
	MaxRecordSize       int           `yaml:"max_record_size"`
	ReplicationFactor   int           `yaml:"replication_factor"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	PublicationInterval time.Duration `yaml:"publication_interval"`
	RecordTTL           time.Duration `yaml:"record_ttl"`
}

func (c Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

var cfg = Config{
	Host:        "0.0.0.0",
	Port:        37000,
	MDNS:        true,
	MetricsHost: "127.0.0.1",
	MetricsPort: 9520,
	TraceHost:   "127.0.0.1",
	TracePort:   4317,
}

// loadFile decodes the YAML file at path into c. Fields missing from the
// file keep their current value.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	return nil
}

// nodeConfig translates the process configuration into the node
// configuration.
func (c *Config) nodeConfig() (*das.Config, error) {
	nc := das.DefaultConfig()

	if c.Server {
		nc.Mode = das.ModeServer
	}

	nc.ListenAddrs = []ma.Multiaddr{}
	for _, s := range []string{
		fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", c.Host, c.Port),
		fmt.Sprintf("/ip4/%s/tcp/%d", c.Host, c.Port),
	} {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", s, err)
		}
		nc.ListenAddrs = append(nc.ListenAddrs, addr)
	}

	var err error
	if nc.BootstrapPeers, err = parseAddrInfos(c.Bootstraps); err != nil {
		return nil, fmt.Errorf("bootstrap peers: %w", err)
	}
	if nc.Relays, err = parseAddrInfos(c.Relays); err != nil {
		return nil, fmt.Errorf("relays: %w", err)
	}

	nc.EnableMDNS = c.MDNS

	k := c.Kademlia
	if k.MaxRecords > 0 {
		nc.Kademlia.MaxRecords = k.MaxRecords
	}
	if k.MaxRecordSize > 0 {
		nc.Kademlia.MaxRecordSize = k.MaxRecordSize
	}
	if k.ReplicationFactor > 0 {
		nc.Kademlia.ReplicationFactor = k.ReplicationFactor
	}
	if k.QueryTimeout > 0 {
		nc.Kademlia.QueryTimeout = k.QueryTimeout
	}
	if k.PublicationInterval > 0 {
		nc.Kademlia.PublicationInterval = k.PublicationInterval
	}
	if k.RecordTTL > 0 {
		nc.RecordTTL = k.RecordTTL
	}

	return nc, nil
}

func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		maddrs = append(maddrs, addr)
	}

	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		return nil, err
	}

	return infos, nil
}
