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

type liveNode struct {
	client *Client
	loop   *EventLoop
	id     peer.ID
}

// startLiveNode runs a server node on loopback. mutate may adjust the
// configuration.
func startLiveNode(t *testing.T, seed string, mutate func(*Config)) *liveNode {
	t.Helper()

	id, err := identity.New(identity.Source{Seed: seed})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Mode = ModeServer
	cfg.ListenAddrs = []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")}
	cfg.EnableMDNS = false
	cfg.Logger = kadtest.DiscardLogger()
	cfg.Kademlia.QueryTimeout = 10 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, loop, err := New(ctx, id, cfg)
	require.NoError(t, err)

	go func() { _ = loop.Run(ctx) }()

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-loop.Done()
	})

	return &liveNode{client: client, loop: loop, id: id.ID}
}

func TestNew_invalidConfig(t *testing.T) {
	id, err := identity.New(identity.Source{})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PutBatchSize = 0

	_, _, err = New(context.Background(), id, cfg)
	assert.ErrorContains(t, err, "validate config")
}

func TestNode_putOnOneGetOnOther(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	ctx := kadtest.CtxLong(t)

	a := startLiveNode(t, "node-a", nil)
	b := startLiveNode(t, "node-b", nil)

	addrs, err := a.client.ListenAddrs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	require.NoError(t, b.client.Dial(ctx, a.id, addrs[0]))

	require.Eventually(t, func() bool {
		na, erra := a.client.CountDHTEntries(ctx)
		nb, errb := b.client.CountDHTEntries(ctx)
		return erra == nil && errb == nil && na > 0 && nb > 0
	}, 20*time.Second, 50*time.Millisecond)

	success, err := a.client.PutRecord(ctx, []byte("cell-7-3"), []byte("sample"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SingleSuccess, success)

	rec, err := b.client.GetRecord(ctx, []byte("cell-7-3"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("sample"), rec.Value)
	assert.Equal(t, a.id, rec.Publisher)

	missing, err := b.client.GetRecord(ctx, []byte("cell-0-0"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// connectLive dials b from a and waits until both routing tables are
// populated.
func connectLive(ctx context.Context, t *testing.T, a, b *liveNode) {
	t.Helper()

	addrs, err := b.client.ListenAddrs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	require.NoError(t, a.client.Dial(ctx, b.id, addrs[0]))

	require.Eventually(t, func() bool {
		n, err := a.client.CountDHTEntries(ctx)
		return err == nil && n > 0
	}, 20*time.Second, 50*time.Millisecond)
}

func TestNode_putWithoutPeersFails(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	ctx := kadtest.CtxLong(t)
	a := startLiveNode(t, "node-a", nil)

	// nobody but the local store holds the record
	_, err := a.client.PutRecord(ctx, []byte("cell-1"), []byte("sample"), time.Hour)
	assert.ErrorIs(t, err, ErrPutQuorum)
	assert.Equal(t, ReasonRemoteRejected, Reason(err))
}

func TestNode_localStoreRejectsBeforeQuery(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	ctx := kadtest.CtxLong(t)
	a := startLiveNode(t, "node-a", func(c *Config) {
		c.Kademlia.MaxRecords = 1
	})

	// the first record fills the store even though no peer confirms it
	_, err := a.client.PutRecord(ctx, []byte("cell-1"), []byte("sample"), time.Hour)
	require.ErrorIs(t, err, ErrPutQuorum)

	swarm := a.loop.swarm.(*hostSwarm)
	before := swarm.lastID.Load()

	_, err = a.client.PutRecord(ctx, []byte("cell-2"), []byte("sample"), time.Hour)
	assert.ErrorIs(t, err, kadstore.ErrStoreFull)
	assert.Equal(t, ReasonStoreRejected, Reason(err))

	var lerr *kadstore.LimitError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, kadstore.LimitRecords, lerr.Limit)

	// rejected without starting a query
	assert.Equal(t, before, swarm.lastID.Load())

	// replacing the stored record is still admitted
	_, err = a.client.PutRecord(ctx, []byte("cell-1"), []byte("newer"), 2*time.Hour)
	assert.ErrorIs(t, err, ErrPutQuorum)
	assert.Equal(t, before+1, swarm.lastID.Load())
}

func TestNode_remoteRejectionFailsPut(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	ctx := kadtest.CtxLong(t)

	server := startLiveNode(t, "node-b", func(c *Config) {
		c.Kademlia.MaxRecords = 1
	})
	client := startLiveNode(t, "node-a", func(c *Config) {
		c.Mode = ModeClient
	})

	// fill the only slot of the server
	_, err := server.client.PutRecord(ctx, []byte("cell-0"), []byte("sample"), time.Hour)
	require.ErrorIs(t, err, ErrPutQuorum)

	connectLive(ctx, t, client, server)

	res := client.client.PutRecords(ctx, []KeyValue{
		{Key: []byte("cell-x"), Value: []byte("x")},
		{Key: []byte("cell-y"), Value: []byte("y")},
	}, time.Hour)

	assert.Equal(t, BatchSuccess(0), res.Success)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, ReasonRemoteRejected, o.Reason(), "key %s: %v", o.Key, o.Err)
	}

	assert.Equal(t, 1, server.loop.store.Len())
	assert.True(t, server.loop.store.Has([]byte(dhtKey(DefaultNamespace, []byte("cell-0")))))

	// the client still holds what it published
	assert.True(t, client.loop.store.Has([]byte(dhtKey(DefaultNamespace, []byte("cell-x")))))
}
