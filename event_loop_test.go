package das

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-libp2p-das/identity"
	"github.com/libp2p/go-libp2p-das/internal/kadtest"
	"github.com/libp2p/go-libp2p-das/kadstore"
)

func TestEventLoop_putThenGet(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), nil)

	success, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SingleSuccess, success)

	rec, err := n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("cell-1"), rec.Key)
	assert.Equal(t, []byte("data"), rec.Value)
	assert.Equal(t, n.swarm.self, rec.Publisher)
	assert.Equal(t, n.clk.Now().Add(time.Hour), rec.Expires)

	// answered from the cache of published records
	assert.Equal(t, 0, n.swarm.count(kindGet))
}

func TestEventLoop_getDefaultTTL(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), func(c *Config) {
		c.RecordTTL = 3 * time.Hour
		c.GetCacheSize = 0
	})

	_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), 0)
	require.NoError(t, err)

	rec, err := n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, n.clk.Now().Add(3*time.Hour), rec.Expires)
	assert.Equal(t, 1, n.swarm.count(kindGet))
}

func TestEventLoop_getMissing(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), nil)

	rec, err := n.client.GetRecord(ctx, []byte("unknown"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEventLoop_cacheExpiry(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), nil)

	_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), time.Minute)
	require.NoError(t, err)

	n.clk.Add(2 * time.Minute)

	// the fake swarm still returns the record, but it is not served from
	// the cache anymore
	_, err = n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n.swarm.count(kindGet))
}

func TestEventLoop_cacheTTL(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), func(c *Config) {
		c.GetCacheTTL = time.Minute
	})

	_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("mine"), time.Hour)
	require.NoError(t, err)

	// another publisher replaces the record in the network
	n.swarm.mu.Lock()
	n.swarm.records["cell-1"] = &SampleRecord{Publisher: "other", Value: []byte("theirs")}
	n.swarm.mu.Unlock()

	rec, err := n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), rec.Value)
	assert.Equal(t, 0, n.swarm.count(kindGet))

	n.clk.Add(time.Minute)

	rec, err = n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("theirs"), rec.Value)
	assert.Equal(t, 1, n.swarm.count(kindGet))
}

func TestEventLoop_failedPutInvalidatesCache(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.manual = true
	n := newTestNode(t, fs, nil)

	put := func(value []byte, err error) error {
		errs := make(chan error, 1)
		go func() {
			_, err := n.client.PutRecord(ctx, []byte("cell-1"), value, time.Hour)
			errs <- err
		}()
		q := <-fs.started
		fs.emit(&EventPutRecordFinished{ID: q.id, Key: q.key, Err: err})
		return <-errs
	}

	require.NoError(t, put([]byte("v1"), nil))

	rec, err := n.client.GetRecord(ctx, []byte("cell-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Value)

	rerr := put([]byte("v2"), &QuorumError{Quorum: 1})
	require.ErrorIs(t, rerr, ErrPutQuorum)

	// the lookup goes to the network again
	got := make(chan *PeerRecord, 1)
	go func() {
		rec, _ := n.client.GetRecord(ctx, []byte("cell-1"))
		got <- rec
	}()
	q := <-fs.started
	assert.Equal(t, kindGet, q.kind)
	fs.emit(&EventGetRecordFinished{ID: q.id, Key: q.key, Record: &SampleRecord{Value: []byte("v2")}})
	assert.Equal(t, []byte("v2"), (<-got).Value)
}

func TestEventLoop_listenAddrsFromHostEvents(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	n := newTestNode(t, fs, nil)

	addrs, err := n.client.ListenAddrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, fs.ListenAddrs(), addrs)

	public := ma.StringCast("/ip4/203.0.113.9/tcp/37000")
	fs.emit(&EventListenAddrsUpdated{Current: []ma.Multiaddr{public}})

	require.Eventually(t, func() bool {
		addrs, err := n.client.ListenAddrs(ctx)
		return err == nil && len(addrs) == 1 && addrs[0].Equal(public)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventLoop_maxRecordsScenario(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.withStore = true
	n := newTestNode(t, fs, func(c *Config) {
		c.Kademlia.MaxRecords = 2
	})

	_, err := n.client.PutRecord(ctx, []byte("a"), []byte("1"), 0)
	require.NoError(t, err)
	_, err = n.client.PutRecord(ctx, []byte("b"), []byte("2"), 0)
	require.NoError(t, err)

	_, err = n.client.PutRecord(ctx, []byte("c"), []byte("3"), 0)
	require.ErrorIs(t, err, kadstore.ErrStoreFull)
	assert.Equal(t, ReasonStoreRejected, Reason(err))

	// replacing an existing key is always allowed
	_, err = n.client.PutRecord(ctx, []byte("a"), []byte("1b"), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, fs.store.Len())

	rec, err := n.client.GetRecord(ctx, []byte("a"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("1b"), rec.Value)

	missing, err := n.client.GetRecord(ctx, []byte("c"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEventLoop_valueTooLarge(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), func(c *Config) {
		c.Kademlia.MaxRecordSize = 4
	})

	_, err := n.client.PutRecord(ctx, []byte("a"), []byte("12345"), 0)
	require.ErrorIs(t, err, kadstore.ErrStoreFull)

	var lerr *kadstore.LimitError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, kadstore.LimitValueBytes, lerr.Limit)
	assert.Equal(t, 0, n.swarm.count(kindPut))
}

func TestEventLoop_abandonedCaller(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.manual = true
	n := newTestNode(t, fs, nil)

	callCtx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	go func() {
		_, err := n.client.GetRecord(callCtx, []byte("cell-1"))
		errs <- err
	}()

	var q fakeQuery
	select {
	case q = <-fs.started:
	case <-ctx.Done():
		t.Fatal("query was not started")
	}
	assert.Equal(t, kindGet, q.kind)
	require.Eventually(t, func() bool {
		return n.pending(t) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// the terminal event arrives after the caller left
	fs.emit(&EventGetRecordFinished{ID: q.id, Key: q.key})

	require.Eventually(t, func() bool {
		return n.pending(t) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// the event loop is still serving
	fs.mu.Lock()
	fs.routingTable = 3
	fs.mu.Unlock()

	count, err := n.client.CountDHTEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestEventLoop_untrackedEventIgnored(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	n := newTestNode(t, fs, nil)

	fs.emit(&EventPutRecordFinished{ID: 999})
	fs.emit(&EventPing{Peer: "someone", RTT: time.Millisecond})

	_, err := n.client.CountDHTEntries(ctx)
	require.NoError(t, err)
}

func TestEventLoop_stopFailsPending(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.manual = true
	n := newTestNode(t, fs, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), 0)
		errs <- err
	}()

	select {
	case <-fs.started:
	case <-ctx.Done():
		t.Fatal("query was not started")
	}

	n.cancel()

	require.ErrorIs(t, <-errs, ErrClosed)
	require.ErrorIs(t, <-n.result, context.Canceled)
	assert.True(t, fs.isClosed())

	_, err := n.client.GetRecord(ctx, []byte("cell-1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventLoop_dialFailure(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.unreachable["remote"] = true
	n := newTestNode(t, fs, nil)

	err := n.client.Dial(ctx, "remote", ma.StringCast("/ip4/192.0.2.7/tcp/4001"))
	require.ErrorIs(t, err, ErrDial)
	assert.Equal(t, ReasonNetwork, Reason(err))

	var derr *DialError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, peer.ID("remote"), derr.Peer)

	require.NoError(t, n.client.Dial(ctx, "other", nil))
}

func TestEventLoop_bootstrap(t *testing.T) {
	ctx := kadtest.CtxShort(t)

	t.Run("no peers", func(t *testing.T) {
		n := newTestNode(t, newFakeSwarm(), nil)
		require.ErrorIs(t, n.client.Bootstrap(ctx), ErrNoBootstrapPeers)
	})

	t.Run("configured peers", func(t *testing.T) {
		n := newTestNode(t, newFakeSwarm(), func(c *Config) {
			c.BootstrapPeers = []peer.AddrInfo{{ID: "boot"}}
		})
		require.NoError(t, n.client.Bootstrap(ctx))
		assert.Equal(t, 1, n.swarm.count(kindBootstrap))
	})

	t.Run("periodic", func(t *testing.T) {
		n := newTestNode(t, newFakeSwarm(), func(c *Config) {
			c.BootstrapPeers = []peer.AddrInfo{{ID: "boot"}}
			c.BootstrapInterval = time.Minute
		})

		// the tickers exist once the first command was answered
		_, err := n.client.CountDHTEntries(ctx)
		require.NoError(t, err)

		n.clk.Add(time.Minute)
		require.Eventually(t, func() bool {
			return n.swarm.count(kindBootstrap) >= 1
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestEventLoop_relays(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	n := newTestNode(t, newFakeSwarm(), nil)

	relay, err := identity.New(identity.Source{Seed: "relay"})
	require.NoError(t, err)

	addr := ma.StringCast("/ip4/192.0.2.1/tcp/4001/p2p/" + relay.ID.String())
	require.NoError(t, n.client.ReconfigureRelays(ctx, []ma.Multiaddr{addr}))

	require.Eventually(t, func() bool {
		addrs, err := n.client.ListenAddrs(ctx)
		if err != nil {
			return false
		}
		for _, a := range addrs {
			if _, err := a.ValueForProtocol(ma.P_CIRCUIT); err == nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	err = n.client.ReconfigureRelays(ctx, []ma.Multiaddr{ma.StringCast("/ip4/192.0.2.1/tcp/4001")})
	assert.Error(t, err)
}

func TestEventLoop_republishOwnRecords(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.withStore = true
	n := newTestNode(t, fs, func(c *Config) {
		c.Kademlia.PublicationInterval = time.Hour
		c.MaintenanceInterval = time.Minute
	})

	_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, fs.count(kindPut))

	n.clk.Add(time.Hour + time.Minute)

	require.Eventually(t, func() bool {
		return fs.count(kindPut) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventLoop_garbageCollection(t *testing.T) {
	ctx := kadtest.CtxShort(t)
	fs := newFakeSwarm()
	fs.withStore = true
	n := newTestNode(t, fs, func(c *Config) {
		c.MaintenanceInterval = time.Minute
	})

	_, err := n.client.PutRecord(ctx, []byte("cell-1"), []byte("data"), 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, fs.store.Len())

	n.clk.Add(time.Minute)

	require.Eventually(t, func() bool {
		return fs.store.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
