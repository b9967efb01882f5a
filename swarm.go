package das

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/libp2p/go-libp2p-das/kadstore"
	"github.com/libp2p/go-libp2p-das/tele"
)

// QueryID identifies a network query started by the [Swarm]. IDs are unique
// for the lifetime of a swarm and never reused.
type QueryID uint64

func (id QueryID) String() string {
	return fmt.Sprintf("q-%d", uint64(id))
}

// Swarm is the network side of the event loop. Methods that start a query
// return immediately with the ID of the query. The outcome is reported as
// exactly one terminal [QueryEvent] carrying that ID on the events channel.
//
// Swarm methods are only called from the event loop goroutine.
type Swarm interface {
	// LocalPeer returns the peer ID of the host.
	LocalPeer() peer.ID

	// Events returns the channel the swarm reports to.
	Events() <-chan BehaviourEvent

	// Dial connects to a peer. Finishes with an [EventDialFinished].
	Dial(info peer.AddrInfo) QueryID

	// Bootstrap connects to peers and refreshes the routing table. It fails
	// right away with [ErrNoBootstrapPeers] if there is nothing to bootstrap
	// from. Finishes with an [EventBootstrapFinished].
	Bootstrap(peers []peer.AddrInfo) (QueryID, error)

	// GetRecord looks up the record of key. Finishes with an
	// [EventGetRecordFinished].
	GetRecord(key []byte) QueryID

	// PutRecord stores rec locally and at the closest peers of key. Records
	// the local store can not take are rejected right away. The put fails
	// with a [*QuorumError] if too few remote peers stored the record.
	// Finishes with an [EventPutRecordFinished].
	PutRecord(key []byte, rec *SampleRecord) (QueryID, error)

	// ReserveRelay asks relay for a circuit reservation. The outcome is
	// reported as an [EventRelayReservation].
	ReserveRelay(relay peer.AddrInfo)

	// RoutingTableSize returns the number of peers in the routing table.
	RoutingTableSize() int

	// ListenAddrs returns the addresses the host can be reached at.
	ListenAddrs() []ma.Multiaddr

	// Close stops all running queries and shuts the host down.
	Close() error
}

// hostSwarm is the [Swarm] backed by a libp2p host. Every query runs in its
// own goroutine bounded by the query timeout. Queries are bound to the
// lifetime of the swarm, not to the caller that started them.
type hostSwarm struct {
	cfg       *Config
	log       *slog.Logger
	host      host.Host
	behaviour *Behaviour
	sink      *eventSink

	lastID atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Swarm = (*hostSwarm)(nil)

func newHostSwarm(cfg *Config, h host.Host, b *Behaviour, sink *eventSink, cancel context.CancelFunc) *hostSwarm {
	return &hostSwarm{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "swarm"),
		host:      h,
		behaviour: b,
		sink:      sink,
		cancel:    cancel,
	}
}

func (s *hostSwarm) nextID() QueryID {
	return QueryID(s.lastID.Add(1))
}

// spawn runs fn with a context that expires after the query timeout.
func (s *hostSwarm) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.sink.ctx, s.cfg.Kademlia.QueryTimeout)
		defer cancel()

		fn(ctx)
	}()
}

func (s *hostSwarm) LocalPeer() peer.ID {
	return s.host.ID()
}

func (s *hostSwarm) Events() <-chan BehaviourEvent {
	return s.sink.events
}

func (s *hostSwarm) Dial(info peer.AddrInfo) QueryID {
	id := s.nextID()

	s.spawn(func(ctx context.Context) {
		ev := &EventDialFinished{ID: id, Peer: info.ID}
		if err := s.host.Connect(ctx, info); err != nil {
			ev.Err = &DialError{Peer: info.ID, Err: queryError(err)}
		}
		s.sink.emit(ev)
	})

	return id
}

func (s *hostSwarm) Bootstrap(peers []peer.AddrInfo) (QueryID, error) {
	if len(peers) == 0 && s.RoutingTableSize() == 0 {
		return 0, ErrNoBootstrapPeers
	}

	id := s.nextID()

	s.spawn(func(ctx context.Context) {
		var connected atomic.Int64

		// a plain group keeps dialing the others after a failure
		var g errgroup.Group
		for _, info := range peers {
			info := info
			g.Go(func() error {
				if err := s.host.Connect(ctx, info); err != nil {
					s.log.Debug("bootstrap peer unreachable", tele.LogAttrPeerID(info.ID), tele.LogAttrError(err))
					return err
				}
				connected.Add(1)
				return nil
			})
		}
		dialErr := g.Wait()

		ev := &EventBootstrapFinished{ID: id, Peers: int(connected.Load())}
		if len(peers) > 0 && ev.Peers == 0 && s.RoutingTableSize() == 0 {
			ev.Err = fmt.Errorf("%w: %w", ErrNoBootstrapPeers, dialErr)
			s.sink.emit(ev)
			return
		}

		select {
		case err := <-s.behaviour.kad.RefreshRoutingTable():
			ev.Err = queryError(err)
		case <-ctx.Done():
			ev.Err = queryError(ctx.Err())
		}
		s.sink.emit(ev)
	})

	return id, nil
}

func (s *hostSwarm) GetRecord(key []byte) QueryID {
	id := s.nextID()

	s.spawn(func(ctx context.Context) {
		ev := &EventGetRecordFinished{ID: id, Key: key}

		val, err := s.behaviour.kad.GetValue(ctx, dhtKey(s.cfg.Namespace, key))
		switch {
		case len(val) > 0:
			// a value found before the deadline is still a result
			rec := &SampleRecord{}
			if derr := rec.UnmarshalBinary(val); derr != nil {
				ev.Err = fmt.Errorf("decode sample record: %w", derr)
			} else {
				ev.Record = rec
			}
		case errors.Is(err, routing.ErrNotFound):
		case err != nil:
			ev.Err = queryError(err)
		}

		s.sink.emit(ev)
	})

	return id
}

func (s *hostSwarm) PutRecord(key []byte, rec *SampleRecord) (QueryID, error) {
	if len(rec.Value) > s.cfg.Kademlia.MaxRecordSize {
		return 0, &kadstore.LimitError{Limit: kadstore.LimitValueBytes, Max: s.cfg.Kademlia.MaxRecordSize}
	}

	k := dhtKey(s.cfg.Namespace, key)
	if err := s.behaviour.store.Admits([]byte(k)); err != nil {
		return 0, err
	}

	value, err := rec.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encode sample record: %w", err)
	}

	id := s.nextID()

	s.spawn(func(ctx context.Context) {
		s.sink.emit(&EventPutRecordFinished{ID: id, Key: key, Err: s.putRecord(ctx, k, value)})
	})

	return id, nil
}

// putRecord stores value locally and at the closest peers of k. The put
// only succeeds if at least the put quorum of remote peers stored it.
func (s *hostSwarm) putRecord(ctx context.Context, k string, value []byte) error {
	rec, err := s.behaviour.putLocal(k, value)
	if err != nil {
		return err
	}

	acks, err := s.behaviour.putRemote(ctx, k, rec)
	if acks >= s.cfg.Kademlia.PutQuorum {
		return nil
	}

	if ctx.Err() != nil {
		return queryError(ctx.Err())
	}

	return &QuorumError{Acks: acks, Quorum: s.cfg.Kademlia.PutQuorum, Err: err}
}

func (s *hostSwarm) ReserveRelay(relay peer.AddrInfo) {
	s.spawn(func(ctx context.Context) {
		ev := &EventRelayReservation{Relay: relay.ID}

		rsvp, err := client.Reserve(ctx, s.host, relay)
		if err != nil {
			ev.Err = queryError(err)
		} else {
			ev.Addrs = rsvp.Addrs
			ev.Expiration = rsvp.Expiration
			if ev.Expiration.IsZero() {
				ev.Expiration = s.cfg.Clock.Now().Add(defaultReservationTTL)
			}
		}

		s.sink.emit(ev)
	})
}

func (s *hostSwarm) RoutingTableSize() int {
	return s.behaviour.kad.RoutingTable().Size()
}

func (s *hostSwarm) ListenAddrs() []ma.Multiaddr {
	return s.host.Addrs()
}

func (s *hostSwarm) Close() error {
	s.cancel()

	err := s.behaviour.Close()
	s.wg.Wait()

	return multierror.Append(err, s.host.Close()).ErrorOrNil()
}

// defaultReservationTTL is assumed for reservations that don't report an
// expiration.
const defaultReservationTTL = time.Hour
