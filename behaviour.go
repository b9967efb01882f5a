package das

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	record "github.com/libp2p/go-libp2p-record"
	recpb "github.com/libp2p/go-libp2p-record/pb"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/libp2p/go-libp2p-das/identity"
	"github.com/libp2p/go-libp2p-das/internal/kadnet"
	"github.com/libp2p/go-libp2p-das/kadstore"
	"github.com/libp2p/go-libp2p-das/tele"
)

// pingParallelism bounds the number of concurrent pings of one round.
const pingParallelism = 16

// kadProtocol is appended to the protocol prefix to form the DHT protocol
// ID, the way go-libp2p-kad-dht does.
const kadProtocol protocol.ID = "/kad/1.0.0"

// errStaleRecord is returned by a put that would replace a stored record
// with one that expires earlier.
var errStaleRecord = errors.New("stored record outlives the new one")

// eventSink is the queue between the behaviours and the event loop. Terminal
// query events are always delivered. Informational events are dropped when
// the queue is full.
type eventSink struct {
	ctx    context.Context
	events chan BehaviourEvent
	log    *slog.Logger
}

func newEventSink(ctx context.Context, size int, log *slog.Logger) *eventSink {
	return &eventSink{
		ctx:    ctx,
		events: make(chan BehaviourEvent, size),
		log:    log,
	}
}

// emit blocks until ev is queued or the sink shuts down.
func (s *eventSink) emit(ev BehaviourEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// notify queues ev if there is room.
func (s *eventSink) notify(ev BehaviourEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.log.Debug("event queue full, dropping event", slog.String("event", fmt.Sprintf("%T", ev)))
	}
}

// holePunchTracer reports the outcome of hole punching attempts.
type holePunchTracer struct {
	sink *eventSink
}

var _ holepunch.EventTracer = (*holePunchTracer)(nil)

func (t *holePunchTracer) Trace(evt *holepunch.Event) {
	end, ok := evt.Evt.(*holepunch.EndHolePunchEvt)
	if !ok {
		return
	}

	t.sink.notify(&EventHolePunch{
		Peer:    evt.Remote,
		Success: end.Success,
		Elapsed: end.EllapsedTime,
		Err:     end.Error,
	})
}

// mdnsNotifee forwards peers found on the local network.
type mdnsNotifee struct {
	self peer.ID
	sink *eventSink
}

var _ mdns.Notifee = (*mdnsNotifee)(nil)

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.self {
		return
	}
	n.sink.notify(&EventPeerDiscovered{Info: info})
}

// newHost builds the libp2p host. Relay transport and hole punching are
// always enabled. Servers additionally answer AutoNAT dial-back requests of other peers.
func newHost(id *identity.Identity, cfg *Config, tracer holepunch.EventTracer) (host.Host, error) {
	cm, err := connmgr.NewConnManager(cfg.Kademlia.LowWater, cfg.Kademlia.HighWater, connmgr.WithGracePeriod(cfg.Kademlia.ConnectionIdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("new connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(id.PrivKey),
		libp2p.ConnectionManager(cm),
		libp2p.UserAgent(cfg.Identify.AgentVersion),
		libp2p.ProtocolVersion(cfg.Identify.ProtocolVersion),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(holepunch.WithTracer(tracer)),
	}

	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(cfg.ListenAddrs...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	// the host always runs an AutoNAT client, reachability is reported on
	// its event bus
	switch cfg.AutoNAT.Reachability {
	case network.ReachabilityPublic:
		opts = append(opts, libp2p.ForceReachabilityPublic())
	case network.ReachabilityPrivate:
		opts = append(opts, libp2p.ForceReachabilityPrivate())
	}

	if cfg.Mode == ModeServer {
		opts = append(opts,
			libp2p.EnableNATService(),
			libp2p.AutoNATServiceRateLimit(cfg.AutoNAT.ServerRateLimit, 1, cfg.AutoNAT.ThrottleServerPeriod),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("new libp2p host: %w", err)
	}

	return h, nil
}

// Behaviour bundles the protocols running on the host: the Kademlia DHT over
// the bounded store, identify and AutoNAT (built into the host), ping, mDNS,
// relay and hole punching. Everything it observes is reported to the event
// loop through its event sink.
type Behaviour struct {
	cfg  *Config
	log  *slog.Logger
	host host.Host
	sink *eventSink

	kad       *dht.IpfsDHT
	messenger *pb.ProtocolMessenger
	store     *kadstore.MemoryStore
	providers *kadstore.ProviderStore
	mdns      mdns.Service
	sub       event.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBehaviour(ctx context.Context, h host.Host, cfg *Config, sink *eventSink) (*Behaviour, error) {
	store, err := kadstore.NewMemoryStore(cfg.storeConfig(h.ID()))
	if err != nil {
		return nil, fmt.Errorf("new store: %w", err)
	}

	pcfg := kadstore.DefaultProviderStoreConfig()
	pcfg.Logger = cfg.Logger.With("behaviour", "providers")
	pcfg.MeterProvider = cfg.MeterProvider
	if cfg.AutoNAT.OnlyGlobalIPs {
		pcfg.AddressFilter = AddrFilterPublic
	}
	provs, err := kadstore.NewProviderStore(store, h.Peerstore(), pcfg)
	if err != nil {
		return nil, fmt.Errorf("new provider store: %w", err)
	}

	mode := dht.ModeClient
	if cfg.Mode == ModeServer {
		mode = dht.ModeServer
	}

	opts := []dht.Option{
		dht.Mode(mode),
		dht.ProtocolPrefix(cfg.ProtocolPrefix),
		dht.Datastore(kadstore.NewDatastore(store, decodeStoredRecord)),
		dht.ProviderStore(provs),
		dht.BucketSize(cfg.Kademlia.ReplicationFactor),
		dht.Concurrency(cfg.Kademlia.QueryParallelism),
		dht.MaxRecordAge(cfg.Kademlia.MaxRecordAge),
		dht.RoutingTableRefreshPeriod(cfg.BootstrapInterval),
		dht.NamespacedValidator(cfg.Namespace, &recordValidator{
			clk:           cfg.Clock,
			maxValueBytes: cfg.Kademlia.MaxRecordSize,
		}),
	}
	if len(cfg.BootstrapPeers) > 0 {
		opts = append(opts, dht.BootstrapPeers(cfg.BootstrapPeers...))
	}

	kad, err := dht.New(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("new dht: %w", err)
	}

	scfg := kadnet.DefaultConfig()
	scfg.Logger = cfg.Logger
	scfg.MeterProvider = cfg.MeterProvider
	sender, err := kadnet.NewMessageSender(h, []protocol.ID{cfg.ProtocolPrefix + kadProtocol}, scfg)
	if err != nil {
		_ = kad.Close()
		return nil, fmt.Errorf("new message sender: %w", err)
	}
	messenger, err := pb.NewProtocolMessenger(sender)
	if err != nil {
		_ = kad.Close()
		return nil, fmt.Errorf("new protocol messenger: %w", err)
	}

	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtLocalReachabilityChanged),
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerConnectednessChanged),
	})
	if err != nil {
		_ = kad.Close()
		return nil, fmt.Errorf("subscribe to host events: %w", err)
	}

	b := &Behaviour{
		cfg:       cfg,
		log:       cfg.Logger.With("behaviour", "swarm"),
		host:      h,
		sink:      sink,
		kad:       kad,
		messenger: messenger,
		store:     store,
		providers: provs,
		sub:       sub,
	}

	if cfg.EnableMDNS {
		b.mdns = mdns.NewMdnsService(h, cfg.MDNSServiceName, &mdnsNotifee{self: h.ID(), sink: sink})
		if err := b.mdns.Start(); err != nil {
			_ = sub.Close()
			_ = kad.Close()
			return nil, fmt.Errorf("start mdns: %w", err)
		}
	}

	var bctx context.Context
	bctx, b.cancel = context.WithCancel(sink.ctx)

	b.wg.Add(2)
	go b.pumpHostEvents(bctx)
	go b.pingLoop(bctx)

	return b, nil
}

// pumpHostEvents translates event bus notifications of the host.
func (b *Behaviour) pumpHostEvents(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.sub.Out():
			if !ok {
				return
			}
			if ev := b.translate(e); ev != nil {
				b.sink.notify(ev)
			}
		}
	}
}

func (b *Behaviour) translate(e interface{}) BehaviourEvent {
	switch e := e.(type) {
	case event.EvtLocalAddressesUpdated:
		ev := &EventListenAddrsUpdated{}
		for _, a := range e.Current {
			ev.Current = append(ev.Current, a.Address)
		}
		for _, a := range e.Removed {
			ev.Removed = append(ev.Removed, a.Address)
		}
		return ev

	case event.EvtLocalReachabilityChanged:
		return &EventReachabilityChanged{Reachability: e.Reachability}

	case event.EvtPeerIdentificationCompleted:
		ev := &EventPeerIdentified{
			Peer:        e.Peer,
			ListenAddrs: b.host.Peerstore().Addrs(e.Peer),
		}
		if av, err := b.host.Peerstore().Get(e.Peer, "AgentVersion"); err == nil {
			ev.AgentVersion, _ = av.(string)
		}
		if protos, err := b.host.Peerstore().GetProtocols(e.Peer); err == nil {
			ev.Protocols = protos
		}
		return ev

	case event.EvtPeerConnectednessChanged:
		return &EventConnectednessChanged{
			Peer:      e.Peer,
			Connected: e.Connectedness == network.Connected,
		}

	default:
		b.log.Debug("unhandled host event", slog.String("event", fmt.Sprintf("%T", e)))
		return nil
	}
}

// pingLoop pings every connected peer once per ping interval.
func (b *Behaviour) pingLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := b.cfg.Clock.Ticker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pingPeers(ctx)
		}
	}
}

func (b *Behaviour) pingPeers(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(pingParallelism)

	for _, p := range b.host.Network().Peers() {
		p := p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, b.cfg.PingTimeout)
			defer cancel()

			ev := &EventPing{Peer: p}
			select {
			case res := <-ping.Ping(pctx, b.host, p):
				ev.RTT, ev.Err = res.RTT, res.Error
			case <-pctx.Done():
				ev.Err = pctx.Err()
			}
			b.sink.notify(ev)
			return nil
		})
	}

	_ = g.Wait()
}

// putLocal validates value and writes it into the local store the way the
// DHT stores records it receives. It returns the record to send to remote
// peers.
func (b *Behaviour) putLocal(key string, value []byte) (*recpb.Record, error) {
	if err := b.kad.Validator.Validate(key, value); err != nil {
		return nil, err
	}

	if old, found := b.store.Get([]byte(key)); found {
		var oldRec recpb.Record
		if err := oldRec.Unmarshal(old.Value); err == nil && !bytes.Equal(oldRec.GetValue(), value) {
			i, err := b.kad.Validator.Select(key, [][]byte{value, oldRec.GetValue()})
			if err != nil {
				return nil, err
			}
			if i != 0 {
				return nil, errStaleRecord
			}
		}
	}

	rec := record.MakePutRecord(key, value)
	rec.TimeReceived = b.cfg.Clock.Now().UTC().Format(time.RFC3339Nano)

	data, err := rec.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal dht record: %w", err)
	}
	stored, err := decodeStoredRecord([]byte(key), data)
	if err != nil {
		return nil, err
	}
	if err := b.store.Put(stored); err != nil {
		return nil, err
	}

	return rec, nil
}

// putRemote sends rec to the closest peers of key. It returns the number of
// peers that stored it and the combined errors of those that did not.
func (b *Behaviour) putRemote(ctx context.Context, key string, rec *recpb.Record) (int, error) {
	peers, err := b.kad.GetClosestPeers(ctx, key)
	if err != nil {
		return 0, err
	}

	var (
		acks atomic.Int64
		mu   sync.Mutex
		merr *multierror.Error
	)

	var g errgroup.Group
	for _, p := range peers {
		if p == b.host.ID() {
			continue
		}
		p := p
		g.Go(func() error {
			if err := b.messenger.PutValue(ctx, p, rec); err != nil {
				b.log.Debug("peer did not store record", tele.LogAttrPeerID(p), tele.LogAttrError(err))
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("put to %s: %w", p, err))
				mu.Unlock()
				return nil
			}
			acks.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(acks.Load()), merr.ErrorOrNil()
}

// Close stops all protocols. It does not close the host.
func (b *Behaviour) Close() error {
	b.cancel()

	var merr *multierror.Error
	if b.mdns != nil {
		merr = multierror.Append(merr, b.mdns.Close())
	}
	merr = multierror.Append(merr, b.sub.Close())

	b.wg.Wait()

	return multierror.Append(merr, b.kad.Close(), b.providers.Close()).ErrorOrNil()
}
