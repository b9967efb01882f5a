package das

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// BehaviourEvent is emitted by the sub-protocols of a [Behaviour] and
// consumed by the [EventLoop].
type BehaviourEvent interface {
	behaviourEvent()
}

// QueryEvent is the terminal event of a query that was started with a
// [QueryID]. Exactly one QueryEvent is emitted per started query.
type QueryEvent interface {
	BehaviourEvent
	queryID() QueryID
}

// KademliaEvent is emitted by the DHT routing sub-protocol.
type KademliaEvent interface {
	BehaviourEvent
	kademliaEvent()
}

// IdentifyEvent is emitted by the peer identification sub-protocol.
type IdentifyEvent interface {
	BehaviourEvent
	identifyEvent()
}

// PingEvent is emitted by the liveness sub-protocol.
type PingEvent interface {
	BehaviourEvent
	pingEvent()
}

// MdnsEvent is emitted by local network discovery.
type MdnsEvent interface {
	BehaviourEvent
	mdnsEvent()
}

// AutoNATEvent is emitted by reachability probing.
type AutoNATEvent interface {
	BehaviourEvent
	autoNATEvent()
}

// RelayEvent is emitted by the relay client.
type RelayEvent interface {
	BehaviourEvent
	relayEvent()
}

// HolePunchEvent is emitted by direct connection upgrades.
type HolePunchEvent interface {
	BehaviourEvent
	holePunchEvent()
}

// ConnectionEvent is emitted by the swarm itself.
type ConnectionEvent interface {
	BehaviourEvent
	connectionEvent()
}

// EventDialFinished terminates a dial.
type EventDialFinished struct {
	ID   QueryID
	Peer peer.ID
	Err  error
}

func (*EventDialFinished) behaviourEvent()  {}
func (*EventDialFinished) connectionEvent() {}
func (e *EventDialFinished) queryID() QueryID {
	return e.ID
}

// EventBootstrapFinished terminates a bootstrap. Peers is the number of
// bootstrap peers that could be connected.
type EventBootstrapFinished struct {
	ID    QueryID
	Peers int
	Err   error
}

func (*EventBootstrapFinished) behaviourEvent() {}
func (*EventBootstrapFinished) kademliaEvent()  {}
func (e *EventBootstrapFinished) queryID() QueryID {
	return e.ID
}

// EventGetRecordFinished terminates a record lookup. Record is nil and Err
// is nil if no peer holds a record for Key.
type EventGetRecordFinished struct {
	ID     QueryID
	Key    []byte
	Record *SampleRecord
	Err    error
}

func (*EventGetRecordFinished) behaviourEvent() {}
func (*EventGetRecordFinished) kademliaEvent()  {}
func (e *EventGetRecordFinished) queryID() QueryID {
	return e.ID
}

// EventPutRecordFinished terminates a record publication.
type EventPutRecordFinished struct {
	ID  QueryID
	Key []byte
	Err error
}

func (*EventPutRecordFinished) behaviourEvent() {}
func (*EventPutRecordFinished) kademliaEvent()  {}
func (e *EventPutRecordFinished) queryID() QueryID {
	return e.ID
}

// EventListenAddrsUpdated is emitted when the set of addresses the host
// listens on or is reachable at changes.
type EventListenAddrsUpdated struct {
	Current []ma.Multiaddr
	Removed []ma.Multiaddr
}

func (*EventListenAddrsUpdated) behaviourEvent()  {}
func (*EventListenAddrsUpdated) connectionEvent() {}

// EventConnectednessChanged is emitted when the first connection to a peer
// is opened or the last one is closed.
type EventConnectednessChanged struct {
	Peer      peer.ID
	Connected bool
}

func (*EventConnectednessChanged) behaviourEvent()  {}
func (*EventConnectednessChanged) connectionEvent() {}

// EventPeerIdentified is emitted when a remote peer completed the identify
// exchange.
type EventPeerIdentified struct {
	Peer         peer.ID
	AgentVersion string
	Protocols    []protocol.ID
	ListenAddrs  []ma.Multiaddr
}

func (*EventPeerIdentified) behaviourEvent() {}
func (*EventPeerIdentified) identifyEvent()  {}

// EventPing reports the outcome of a liveness check.
type EventPing struct {
	Peer peer.ID
	RTT  time.Duration
	Err  error
}

func (*EventPing) behaviourEvent() {}
func (*EventPing) pingEvent()      {}

// EventPeerDiscovered is emitted when a peer was found on the local network.
type EventPeerDiscovered struct {
	Info peer.AddrInfo
}

func (*EventPeerDiscovered) behaviourEvent() {}
func (*EventPeerDiscovered) mdnsEvent()      {}

// EventReachabilityChanged is emitted when reachability probing comes to a
// new conclusion about the public reachability of the host.
type EventReachabilityChanged struct {
	Reachability network.Reachability
}

func (*EventReachabilityChanged) behaviourEvent() {}
func (*EventReachabilityChanged) autoNATEvent()   {}

// EventRelayReservation reports the outcome of a reservation attempt at a
// relay.
type EventRelayReservation struct {
	Relay      peer.ID
	Addrs      []ma.Multiaddr
	Expiration time.Time
	Err        error
}

func (*EventRelayReservation) behaviourEvent() {}
func (*EventRelayReservation) relayEvent()     {}

// EventHolePunch reports the end of a direct connection upgrade attempt.
type EventHolePunch struct {
	Peer    peer.ID
	Success bool
	Elapsed time.Duration
	Err     string
}

func (*EventHolePunch) behaviourEvent() {}
func (*EventHolePunch) holePunchEvent() {}
