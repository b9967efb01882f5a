// Package das is the peer-to-peer data layer of a data availability light
// client. Sampled cells are stored as records in a Kademlia DHT backed by a
// bounded in-memory store, and all network activity is driven by a single
// [EventLoop].
//
// A node is created with [New], which returns the [Client] handle and the
// [EventLoop]. The caller runs the event loop in its own goroutine and
// talks to it through the client:
//
//	client, loop, err := das.New(ctx, id, das.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	go loop.Run(ctx)
//	defer client.Close()
//
//	res := client.PutRecords(ctx, records, 0)
package das

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/libp2p/go-libp2p-das/identity"
	"github.com/libp2p/go-libp2p-das/tele"
)

// New creates the libp2p host and all protocols of a node with the given
// identity. Client calls are only answered while the returned event loop
// runs. The event loop stops when ctx of [EventLoop.Run] is cancelled or
// every client handle was closed.
func New(ctx context.Context, id *identity.Identity, cfg *Config) (*Client, *EventLoop, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}

	t, err := NewTelemetry(cfg.MeterProvider, cfg.TracerProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	// The lifetime context bounds every query and background protocol. It
	// is cancelled when the swarm is closed.
	lifetime, cancel := context.WithCancel(context.Background())
	sink := newEventSink(lifetime, cfg.EventQueueSize, cfg.Logger.With("component", "events"))

	h, err := newHost(id, cfg, &holePunchTracer{sink: sink})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	b, err := newBehaviour(ctx, h, cfg, sink)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, nil, err
	}

	swarm := newHostSwarm(cfg, h, b, sink, cancel)

	commands := make(chan Command, cfg.CommandQueueSize)
	loop, err := newEventLoop(cfg, swarm, commands, t)
	if err != nil {
		_ = swarm.Close()
		return nil, nil, err
	}
	loop.store = b.store
	loop.providers = b.providers

	cfg.Logger.Info("created node", tele.LogAttrPeerID(h.ID()), slog.String("mode", string(cfg.Mode)))

	return newClient(cfg, t, commands, loop.done), loop, nil
}
