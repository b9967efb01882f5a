package das

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Command is a request submitted to the [EventLoop]. Every command carries a
// response channel with capacity one, and the event loop answers each
// command exactly once. Answers to callers that stopped listening stay in the
// channel buffer and are garbage collected with it.
type Command interface {
	command()
}

// completer is implemented by commands that are answered by the terminal
// event of a network query rather than synchronously.
type completer interface {
	complete(ev QueryEvent)
	fail(err error)
}

// respond delivers v without ever blocking the event loop.
func respond[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// CmdDial connects to Peer at Addr.
type CmdDial struct {
	Peer     peer.ID
	Addr     ma.Multiaddr
	Response chan error
}

func (*CmdDial) command() {}

func (c *CmdDial) complete(ev QueryEvent) {
	e, ok := ev.(*EventDialFinished)
	if !ok {
		c.fail(unexpectedEvent(ev))
		return
	}
	respond(c.Response, e.Err)
}

func (c *CmdDial) fail(err error) {
	respond(c.Response, err)
}

// CmdBootstrap dials the bootstrap peers and refreshes the routing table.
type CmdBootstrap struct {
	Response chan error
}

func (*CmdBootstrap) command() {}

func (c *CmdBootstrap) complete(ev QueryEvent) {
	e, ok := ev.(*EventBootstrapFinished)
	if !ok {
		c.fail(unexpectedEvent(ev))
		return
	}
	respond(c.Response, e.Err)
}

func (c *CmdBootstrap) fail(err error) {
	respond(c.Response, err)
}

// CmdPutRecord publishes Value under Key for TTL.
type CmdPutRecord struct {
	Key      []byte
	Value    []byte
	TTL      time.Duration
	Response chan error
}

func (*CmdPutRecord) command() {}

func (c *CmdPutRecord) complete(ev QueryEvent) {
	e, ok := ev.(*EventPutRecordFinished)
	if !ok {
		c.fail(unexpectedEvent(ev))
		return
	}
	respond(c.Response, e.Err)
}

func (c *CmdPutRecord) fail(err error) {
	respond(c.Response, err)
}

// GetRecordResult answers a [CmdGetRecord]. Record is nil if no peer holds a
// record for the key.
type GetRecordResult struct {
	Record *PeerRecord
	Err    error
}

// CmdGetRecord looks up the record stored under Key.
type CmdGetRecord struct {
	Key      []byte
	Response chan GetRecordResult
}

func (*CmdGetRecord) command() {}

func (c *CmdGetRecord) complete(ev QueryEvent) {
	e, ok := ev.(*EventGetRecordFinished)
	if !ok {
		c.fail(unexpectedEvent(ev))
		return
	}

	res := GetRecordResult{Err: e.Err}
	if e.Record != nil {
		res.Record = &PeerRecord{
			Key:       c.Key,
			Value:     e.Record.Value,
			Publisher: e.Record.Publisher,
			Expires:   e.Record.Expires,
		}
	}
	respond(c.Response, res)
}

func (c *CmdGetRecord) fail(err error) {
	respond(c.Response, GetRecordResult{Err: err})
}

// CmdCountDHTPeers asks for the number of peers in the routing table.
type CmdCountDHTPeers struct {
	Response chan int
}

func (*CmdCountDHTPeers) command() {}

// CmdReconfigureRelays replaces the set of relays reservations are kept
// with.
type CmdReconfigureRelays struct {
	Relays   []peer.AddrInfo
	Response chan error
}

func (*CmdReconfigureRelays) command() {}

// CmdListenAddrs asks for the current listen addresses of the host.
type CmdListenAddrs struct {
	Response chan []ma.Multiaddr
}

func (*CmdListenAddrs) command() {}
