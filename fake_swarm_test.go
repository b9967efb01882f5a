package das

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/libp2p/go-libp2p-das/internal/kadtest"
	"github.com/libp2p/go-libp2p-das/kadstore"
)

// fakeQuery is a query started on a fakeSwarm.
type fakeQuery struct {
	id   QueryID
	kind string
	key  []byte
	rec  *SampleRecord
	peer peer.ID
}

// fakeSwarm is an in-memory [Swarm]. In automatic mode queries finish right
// away in their own goroutine. In manual mode started queries are reported
// on started and the test emits the terminal events itself.
type fakeSwarm struct {
	self      peer.ID
	namespace string
	events    chan BehaviourEvent
	started   chan fakeQuery
	manual    bool

	// withStore makes newTestNode back the swarm with a bounded store that
	// takes every put like the local store of a real node.
	withStore bool
	store     *kadstore.MemoryStore

	mu           sync.Mutex
	lastID       QueryID
	records      map[string]*SampleRecord
	unreachable  map[peer.ID]bool
	routingTable int
	counts       map[string]int
	reserved     []peer.ID
	closed       bool
	wg           sync.WaitGroup
}

var _ Swarm = (*fakeSwarm)(nil)

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{
		self:        peer.ID("local-peer"),
		namespace:   DefaultNamespace,
		events:      make(chan BehaviourEvent, 1024),
		started:     make(chan fakeQuery, 1024),
		records:     map[string]*SampleRecord{},
		unreachable: map[peer.ID]bool{},
		counts:      map[string]int{},
	}
}

func (f *fakeSwarm) start(kind string, q fakeQuery, finish func(q fakeQuery) QueryEvent) QueryID {
	f.mu.Lock()
	f.lastID++
	q.id = f.lastID
	q.kind = kind
	f.counts[kind]++
	f.mu.Unlock()

	if f.manual {
		f.started <- q
		return q.id
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.emit(finish(q))
	}()

	return q.id
}

func (f *fakeSwarm) emit(ev BehaviourEvent) {
	f.events <- ev
}

func (f *fakeSwarm) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind]
}

func (f *fakeSwarm) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSwarm) LocalPeer() peer.ID {
	return f.self
}

func (f *fakeSwarm) Events() <-chan BehaviourEvent {
	return f.events
}

func (f *fakeSwarm) Dial(info peer.AddrInfo) QueryID {
	return f.start(kindDial, fakeQuery{peer: info.ID}, func(q fakeQuery) QueryEvent {
		ev := &EventDialFinished{ID: q.id, Peer: q.peer}
		f.mu.Lock()
		if f.unreachable[q.peer] {
			ev.Err = &DialError{Peer: q.peer, Err: errors.New("connection refused")}
		}
		f.mu.Unlock()
		return ev
	})
}

func (f *fakeSwarm) Bootstrap(peers []peer.AddrInfo) (QueryID, error) {
	f.mu.Lock()
	rt := f.routingTable
	f.mu.Unlock()

	if len(peers) == 0 && rt == 0 {
		return 0, ErrNoBootstrapPeers
	}

	return f.start(kindBootstrap, fakeQuery{}, func(q fakeQuery) QueryEvent {
		return &EventBootstrapFinished{ID: q.id, Peers: len(peers)}
	}), nil
}

func (f *fakeSwarm) GetRecord(key []byte) QueryID {
	return f.start(kindGet, fakeQuery{key: key}, func(q fakeQuery) QueryEvent {
		f.mu.Lock()
		defer f.mu.Unlock()
		return &EventGetRecordFinished{ID: q.id, Key: q.key, Record: f.records[string(q.key)]}
	})
}

func (f *fakeSwarm) PutRecord(key []byte, rec *SampleRecord) (QueryID, error) {
	if f.store != nil {
		if err := f.store.Admits([]byte(dhtKey(f.namespace, key))); err != nil {
			return 0, err
		}
	}

	return f.start(kindPut, fakeQuery{key: key, rec: rec}, func(q fakeQuery) QueryEvent {
		return &EventPutRecordFinished{ID: q.id, Key: q.key, Err: f.storePut(q.key, q.rec)}
	}), nil
}

func (f *fakeSwarm) storePut(key []byte, rec *SampleRecord) error {
	if f.store != nil {
		value, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		err = f.store.Put(kadstore.Record{
			Key:       []byte(dhtKey(f.namespace, key)),
			Value:     storedValue(f.namespace, key, value),
			Publisher: rec.Publisher,
			Expires:   rec.Expires,
		})
		if err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.records[string(key)] = rec
	f.mu.Unlock()

	return nil
}

// storedValue frames value the way the DHT writes records into its
// datastore.
func storedValue(namespace string, key, value []byte) []byte {
	data, err := record.MakePutRecord(dhtKey(namespace, key), value).Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

func (f *fakeSwarm) ReserveRelay(relay peer.AddrInfo) {
	f.mu.Lock()
	f.reserved = append(f.reserved, relay.ID)
	f.mu.Unlock()

	circuit := ma.StringCast("/ip4/192.0.2.1/tcp/4001/p2p/" + relay.ID.String() + "/p2p-circuit")
	f.emit(&EventRelayReservation{
		Relay:      relay.ID,
		Addrs:      []ma.Multiaddr{circuit},
		Expiration: time.Now().Add(time.Hour),
	})
}

func (f *fakeSwarm) RoutingTableSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routingTable
}

func (f *fakeSwarm) ListenAddrs() []ma.Multiaddr {
	return []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/37000")}
}

func (f *fakeSwarm) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// testNode is an event loop on a fake swarm with a client handle.
type testNode struct {
	client *Client
	loop   *EventLoop
	swarm  *fakeSwarm
	clk    *clock.Mock
	reader *metric.ManualReader
	cancel context.CancelFunc
	result chan error
}

func newTestNode(t *testing.T, fs *fakeSwarm, mutate func(*Config)) *testNode {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC))

	mp, reader := kadtest.MeterProvider(t)

	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.Logger = kadtest.DiscardLogger()
	cfg.MeterProvider = mp
	cfg.TracerProvider = trace.NewNoopTracerProvider()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	tel, err := NewTelemetry(cfg.MeterProvider, cfg.TracerProvider)
	require.NoError(t, err)

	commands := make(chan Command, cfg.CommandQueueSize)
	loop, err := newEventLoop(cfg, fs, commands, tel)
	require.NoError(t, err)
	if fs.withStore {
		fs.store, err = kadstore.NewMemoryStore(cfg.storeConfig(fs.self))
		require.NoError(t, err)
		loop.store = fs.store
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &testNode{
		client: newClient(cfg, tel, commands, loop.done),
		loop:   loop,
		swarm:  fs,
		clk:    clk,
		reader: reader,
		cancel: cancel,
		result: make(chan error, 1),
	}

	go func() { n.result <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-loop.Done()
		fs.wg.Wait()
	})

	return n
}

// pending returns the number of queries the event loop waits for.
func (n *testNode) pending(t *testing.T) int64 {
	return kadtest.SumOf(t, n.reader, "pending_queries")
}
