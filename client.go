package das

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/libp2p/go-libp2p-das/kadstore"
)

// KeyValue is a record of a batch put.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// DHTPutSuccess describes a successful put. Count is the number of records
// that were stored. Single marks the result of [Client.PutRecord].
type DHTPutSuccess struct {
	Count  int
	Single bool
}

// SingleSuccess is the result of a successful single put.
var SingleSuccess = DHTPutSuccess{Count: 1, Single: true}

// BatchSuccess is the result of a batch put of which n records were stored.
func BatchSuccess(n int) DHTPutSuccess {
	return DHTPutSuccess{Count: n}
}

// PutOutcome is the result of one record of a batch put.
type PutOutcome struct {
	Key []byte
	Err error
}

// Reason classifies the failure of the put.
func (o PutOutcome) Reason() FailureReason {
	return Reason(o.Err)
}

// BatchPutResult is the aggregate of a batch put. Outcomes has one entry
// per record, in the order the records were given.
type BatchPutResult struct {
	Outcomes []PutOutcome
	Success  DHTPutSuccess
}

// Failed returns the outcomes of the records that were not stored.
func (r BatchPutResult) Failed() []PutOutcome {
	var failed []PutOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// sender is the send side of the command queue shared by all clones of a
// [Client]. The queue is closed when the last clone is closed, which stops
// the event loop.
type sender struct {
	mu       sync.RWMutex
	refs     int
	closed   bool
	commands chan<- Command
	loopDone <-chan struct{}
}

func (s *sender) send(ctx context.Context, cmd Command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.commands <- cmd:
		return nil
	case <-s.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is a handle to an [EventLoop]. It is safe for concurrent use.
// Cloned handles share the event loop, which stops once every handle was
// closed.
type Client struct {
	s      *sender
	closed atomic.Bool

	cfg  *Config
	tele *Telemetry
}

func newClient(cfg *Config, t *Telemetry, commands chan<- Command, loopDone <-chan struct{}) *Client {
	return &Client{
		s: &sender{
			refs:     1,
			commands: commands,
			loopDone: loopDone,
		},
		cfg:  cfg,
		tele: t,
	}
}

// Clone returns a new handle to the same event loop. Cloning a closed
// handle returns a closed handle.
func (c *Client) Clone() *Client {
	clone := &Client{s: c.s, cfg: c.cfg, tele: c.tele}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.closed.Load() || c.s.closed {
		clone.closed.Store(true)
		return clone
	}

	c.s.refs++
	return clone
}

// Close releases the handle. Calls on a closed handle return [ErrClosed].
// Closing the last handle stops the event loop. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.refs--
	if c.s.refs == 0 && !c.s.closed {
		c.s.closed = true
		close(c.s.commands)
	}

	return nil
}

func (c *Client) send(ctx context.Context, cmd Command) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.s.send(ctx, cmd)
}

// await waits for the answer to a command that was sent.
func await[T any](ctx context.Context, ch <-chan T, loopDone <-chan struct{}) (T, error) {
	var zero T

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-loopDone:
		// the loop answers pending commands before it signals done
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Dial connects to peer id at addr. A nil addr dials the addresses known
// from the peerstore.
func (c *Client) Dial(ctx context.Context, id peer.ID, addr ma.Multiaddr) error {
	ctx, span := c.tele.Tracer.Start(ctx, "Client.Dial", trace.WithAttributes(attribute.String("peer_id", id.String())))
	defer span.End()

	cmd := &CmdDial{Peer: id, Addr: addr, Response: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return traceErr(span, err)
	}

	err, aerr := await(ctx, cmd.Response, c.s.loopDone)
	if aerr != nil {
		return traceErr(span, aerr)
	}
	return traceErr(span, err)
}

// Bootstrap dials the bootstrap peers and refreshes the routing table.
func (c *Client) Bootstrap(ctx context.Context) error {
	ctx, span := c.tele.Tracer.Start(ctx, "Client.Bootstrap")
	defer span.End()

	cmd := &CmdBootstrap{Response: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return traceErr(span, err)
	}

	err, aerr := await(ctx, cmd.Response, c.s.loopDone)
	if aerr != nil {
		return traceErr(span, aerr)
	}
	return traceErr(span, err)
}

// PutRecord publishes value under key. A zero ttl uses the configured
// record TTL. The value is checked against the maximum record size before
// anything is sent.
func (c *Client) PutRecord(ctx context.Context, key, value []byte, ttl time.Duration) (DHTPutSuccess, error) {
	ctx, span := c.tele.Tracer.Start(ctx, "Client.PutRecord")
	defer span.End()

	if len(value) > c.cfg.Kademlia.MaxRecordSize {
		err := &kadstore.LimitError{Limit: kadstore.LimitValueBytes, Max: c.cfg.Kademlia.MaxRecordSize}
		return DHTPutSuccess{}, traceErr(span, err)
	}

	if ttl <= 0 {
		ttl = c.cfg.RecordTTL
	}

	cmd := &CmdPutRecord{Key: key, Value: value, TTL: ttl, Response: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return DHTPutSuccess{}, traceErr(span, err)
	}

	err, aerr := await(ctx, cmd.Response, c.s.loopDone)
	if aerr != nil {
		return DHTPutSuccess{}, traceErr(span, aerr)
	}
	if err != nil {
		return DHTPutSuccess{}, traceErr(span, err)
	}

	return SingleSuccess, nil
}

// PutRecords publishes records in groups of the configured batch size.
// Groups run one after another. Within a group at most
// DHTParallelizationLimit puts are outstanding at a time. A failing record
// never aborts the batch: its outcome is reported and the remaining records
// are still put.
func (c *Client) PutRecords(ctx context.Context, records []KeyValue, ttl time.Duration) BatchPutResult {
	ctx, span := c.tele.Tracer.Start(ctx, "Client.PutRecords", trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	c.tele.BatchSize.Record(ctx, int64(len(records)))

	outcomes := make([]PutOutcome, len(records))
	offset := 0
	for _, group := range partition(records, c.cfg.PutBatchSize) {
		var g errgroup.Group
		g.SetLimit(c.cfg.DHTParallelizationLimit)

		for i, kv := range group {
			idx, kv := offset+i, kv
			g.Go(func() error {
				_, err := c.PutRecord(ctx, kv.Key, kv.Value, ttl)
				outcomes[idx] = PutOutcome{Key: kv.Key, Err: err}
				return nil
			})
		}

		_ = g.Wait()
		offset += len(group)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Err == nil {
			succeeded++
		}
	}
	span.SetAttributes(attribute.Int("succeeded", succeeded))

	return BatchPutResult{Outcomes: outcomes, Success: BatchSuccess(succeeded)}
}

// GetRecord fetches the record stored under key. It returns nil and no
// error if no peer holds a record for key.
func (c *Client) GetRecord(ctx context.Context, key []byte) (*PeerRecord, error) {
	ctx, span := c.tele.Tracer.Start(ctx, "Client.GetRecord")
	defer span.End()

	cmd := &CmdGetRecord{Key: key, Response: make(chan GetRecordResult, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return nil, traceErr(span, err)
	}

	res, err := await(ctx, cmd.Response, c.s.loopDone)
	if err != nil {
		return nil, traceErr(span, err)
	}
	if res.Err != nil {
		return nil, traceErr(span, res.Err)
	}

	return res.Record, nil
}

// CountDHTEntries returns the number of peers in the routing table.
func (c *Client) CountDHTEntries(ctx context.Context) (int, error) {
	cmd := &CmdCountDHTPeers{Response: make(chan int, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return 0, err
	}
	return await(ctx, cmd.Response, c.s.loopDone)
}

// ReconfigureRelays replaces the relays reservations are kept with. Every
// address must end in the /p2p component of the relay.
func (c *Client) ReconfigureRelays(ctx context.Context, addrs []ma.Multiaddr) error {
	relays, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return fmt.Errorf("parse relay addresses: %w", err)
	}

	cmd := &CmdReconfigureRelays{Relays: relays, Response: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}

	rerr, err := await(ctx, cmd.Response, c.s.loopDone)
	if err != nil {
		return err
	}
	return rerr
}

// ListenAddrs returns the addresses the node can be reached at, including
// circuit addresses of live relay reservations.
func (c *Client) ListenAddrs(ctx context.Context) ([]ma.Multiaddr, error) {
	cmd := &CmdListenAddrs{Response: make(chan []ma.Multiaddr, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}
	return await(ctx, cmd.Response, c.s.loopDone)
}

// partition splits items into consecutive groups of at most size items.
func partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}

	groups := make([][]T, 0, (len(items)+size-1)/size)
	for len(items) > size {
		groups = append(groups, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		groups = append(groups, items)
	}

	return groups
}

func traceErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
