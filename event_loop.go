package das

import (
	"bytes"
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/exp/slog"

	"github.com/libp2p/go-libp2p-das/kadstore"
	"github.com/libp2p/go-libp2p-das/tele"
)

const (
	kindDial      = "dial"
	kindBootstrap = "bootstrap"
	kindGet       = "get_record"
	kindPut       = "put_record"
	kindRepublish = "republish"
)

// renewMargin is how long before its expiration a relay reservation is
// renewed, in units of the maintenance interval.
const renewMargin = 2

// pendingQuery is a network query the event loop waits for. Queries started
// by the event loop itself have no completer.
type pendingQuery struct {
	kind      string
	started   time.Time
	completer completer
}

// cacheEntry is a fetched or published record and the time it was cached.
type cacheEntry struct {
	rec   *PeerRecord
	added time.Time
}

type relayState struct {
	info       peer.AddrInfo
	addrs      []ma.Multiaddr
	expiration time.Time
	inflight   bool
}

// EventLoop owns the swarm and all network state. It is the only goroutine
// that touches either: clients talk to it through commands, the swarm
// through events. Every command is answered exactly once, even if the event
// loop stops before the network query finished.
type EventLoop struct {
	cfg   *Config
	log   *slog.Logger
	tele  *Telemetry
	swarm Swarm

	commands <-chan Command
	done     chan struct{}

	pending map[QueryID]*pendingQuery

	// store and providers are nil if the swarm does not expose them.
	store     *kadstore.MemoryStore
	providers interface{ Purge() }

	cache *lru.Cache[string, cacheEntry]

	relays map[peer.ID]*relayState

	// listenAddrs is the last address set the host reported. Until the
	// first report the swarm is asked.
	listenAddrs []ma.Multiaddr

	lastPublication time.Time
	lastReplication time.Time
	republishQueue  []kadstore.Record
	republishing    int
}

func newEventLoop(cfg *Config, swarm Swarm, commands <-chan Command, t *Telemetry) (*EventLoop, error) {
	l := &EventLoop{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "event_loop"),
		tele:     t,
		swarm:    swarm,
		commands: commands,
		done:     make(chan struct{}),
		pending:  map[QueryID]*pendingQuery{},
		relays:   map[peer.ID]*relayState{},
	}

	if cfg.GetCacheSize > 0 {
		cache, err := lru.New[string, cacheEntry](cfg.GetCacheSize)
		if err != nil {
			return nil, fmt.Errorf("new record cache: %w", err)
		}
		l.cache = cache
	}

	for _, info := range cfg.Relays {
		l.relays[info.ID] = &relayState{info: info}
	}

	now := cfg.Clock.Now()
	l.lastPublication = now
	l.lastReplication = now

	return l, nil
}

// Done is closed when Run returned.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Run processes commands and swarm events until ctx is cancelled or all
// client handles were closed. On return, every pending command is answered
// with [ErrClosed] and the swarm is closed. Run must only be called once.
func (l *EventLoop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.shutdown()

	bootstrapTicker := l.cfg.Clock.Ticker(l.cfg.BootstrapInterval)
	defer bootstrapTicker.Stop()

	maintenanceTicker := l.cfg.Clock.Ticker(l.cfg.MaintenanceInterval)
	defer maintenanceTicker.Stop()

	l.renewRelays(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-l.commands:
			if !ok {
				l.log.Debug("all clients closed, stopping event loop")
				return nil
			}
			l.handleCommand(ctx, cmd)

		case ev := <-l.swarm.Events():
			l.handleEvent(ctx, ev)

		case <-bootstrapTicker.C:
			l.bootstrap(ctx)

		case <-maintenanceTicker.C:
			l.maintain(ctx)
		}
	}
}

func (l *EventLoop) shutdown() {
	for id, pq := range l.pending {
		if pq.completer != nil {
			pq.completer.fail(ErrClosed)
		}
		delete(l.pending, id)
		l.tele.PendingQueries.Add(context.Background(), -1, metric.WithAttributes(tele.AttrQueryKind(pq.kind)))
	}

	if err := l.swarm.Close(); err != nil {
		l.log.Warn("failed closing swarm", tele.LogAttrError(err))
	}
}

// track registers a started query. The query ID is fresh, so an existing
// entry is never overwritten.
func (l *EventLoop) track(ctx context.Context, id QueryID, kind string, c completer) {
	if _, exists := l.pending[id]; exists {
		l.log.Error("query id already pending", slog.String("query_id", id.String()))
		if c != nil {
			c.fail(fmt.Errorf("query id %s already pending", id))
		}
		return
	}

	l.pending[id] = &pendingQuery{kind: kind, started: l.cfg.Clock.Now(), completer: c}
	l.tele.PendingQueries.Add(ctx, 1, metric.WithAttributes(tele.AttrQueryKind(kind)))
}

func (l *EventLoop) handleCommand(ctx context.Context, cmd Command) {
	l.tele.CommandsReceived.Add(ctx, 1, metric.WithAttributes(tele.AttrCommand(fmt.Sprintf("%T", cmd))))

	switch cmd := cmd.(type) {
	case *CmdDial:
		info := peer.AddrInfo{ID: cmd.Peer}
		if cmd.Addr != nil {
			info.Addrs = []ma.Multiaddr{cmd.Addr}
		}
		l.track(ctx, l.swarm.Dial(info), kindDial, cmd)

	case *CmdBootstrap:
		id, err := l.swarm.Bootstrap(l.cfg.BootstrapPeers)
		if err != nil {
			respond(cmd.Response, err)
			return
		}
		l.track(ctx, id, kindBootstrap, cmd)

	case *CmdPutRecord:
		// the local copy changes even if the put fails remotely
		l.forget(cmd.Key)

		ttl := cmd.TTL
		if ttl <= 0 {
			ttl = l.cfg.RecordTTL
		}
		rec := &SampleRecord{
			Publisher: l.swarm.LocalPeer(),
			Expires:   l.cfg.Clock.Now().Add(ttl),
			Value:     cmd.Value,
		}
		id, err := l.swarm.PutRecord(cmd.Key, rec)
		if err != nil {
			l.recordOutcome(ctx, kindPut, err)
			respond(cmd.Response, err)
			return
		}
		l.track(ctx, id, kindPut, &putCompleter{CmdPutRecord: cmd, loop: l, record: rec})

	case *CmdGetRecord:
		if rec, ok := l.cached(cmd.Key); ok {
			l.tele.GetCache.Add(ctx, 1, metric.WithAttributes(tele.AttrCacheHit(true)))
			respond(cmd.Response, GetRecordResult{Record: rec})
			return
		}
		if l.cache != nil {
			l.tele.GetCache.Add(ctx, 1, metric.WithAttributes(tele.AttrCacheHit(false)))
		}
		l.track(ctx, l.swarm.GetRecord(cmd.Key), kindGet, &getCompleter{CmdGetRecord: cmd, loop: l})

	case *CmdCountDHTPeers:
		respond(cmd.Response, l.swarm.RoutingTableSize())

	case *CmdReconfigureRelays:
		l.relays = make(map[peer.ID]*relayState, len(cmd.Relays))
		for _, info := range cmd.Relays {
			l.relays[info.ID] = &relayState{info: info}
		}
		l.renewRelays(true)
		respond(cmd.Response, nil)

	case *CmdListenAddrs:
		respond(cmd.Response, l.addrs())

	default:
		l.log.Warn("unknown command", slog.String("type", fmt.Sprintf("%T", cmd)))
	}
}

// addrs returns the listen addresses of the swarm and the circuit addresses
// of live relay reservations.
func (l *EventLoop) addrs() []ma.Multiaddr {
	addrs := append([]ma.Multiaddr(nil), l.listenAddrs...)
	if len(addrs) == 0 {
		addrs = append(addrs, l.swarm.ListenAddrs()...)
	}

	now := l.cfg.Clock.Now()
	for _, r := range l.relays {
		if r.expiration.After(now) {
			addrs = append(addrs, r.addrs...)
		}
	}

	return addrs
}

func (l *EventLoop) handleEvent(ctx context.Context, ev BehaviourEvent) {
	if qe, ok := ev.(QueryEvent); ok {
		l.handleQueryEvent(ctx, qe)
		return
	}

	switch ev := ev.(type) {
	case *EventListenAddrsUpdated:
		l.listenAddrs = ev.Current
		l.log.Info("listen addresses updated", slog.Int("current", len(ev.Current)), slog.Int("removed", len(ev.Removed)))

	case *EventConnectednessChanged:
		l.log.Debug("connectedness changed", tele.LogAttrPeerID(ev.Peer), slog.Bool("connected", ev.Connected))

	case *EventPeerIdentified:
		l.log.Debug("peer identified", tele.LogAttrPeerID(ev.Peer), slog.String("agent", ev.AgentVersion), slog.Int("protocols", len(ev.Protocols)))

	case *EventPing:
		if ev.Err != nil {
			l.log.Debug("ping failed", tele.LogAttrPeerID(ev.Peer), tele.LogAttrError(ev.Err))
			return
		}
		l.log.Debug("ping", tele.LogAttrPeerID(ev.Peer), slog.Duration("rtt", ev.RTT))

	case *EventPeerDiscovered:
		l.log.Debug("peer discovered on local network", tele.LogAttrPeerID(ev.Info.ID))
		l.track(ctx, l.swarm.Dial(ev.Info), kindDial, nil)

	case *EventReachabilityChanged:
		l.log.Info("reachability changed", slog.String("reachability", ev.Reachability.String()))

	case *EventRelayReservation:
		l.handleReservation(ev)

	case *EventHolePunch:
		if !ev.Success {
			l.log.Debug("hole punch failed", tele.LogAttrPeerID(ev.Peer), slog.String("err", ev.Err))
			return
		}
		l.log.Info("hole punch succeeded", tele.LogAttrPeerID(ev.Peer), slog.Duration("elapsed", ev.Elapsed))

	default:
		l.log.Debug("unhandled event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (l *EventLoop) handleQueryEvent(ctx context.Context, ev QueryEvent) {
	id := ev.queryID()

	pq, found := l.pending[id]
	if !found {
		l.log.Debug("terminal event of untracked query", slog.String("query_id", id.String()), slog.String("type", fmt.Sprintf("%T", ev)))
		return
	}
	delete(l.pending, id)

	err := eventError(ev)
	elapsed := l.cfg.Clock.Since(pq.started)
	l.tele.PendingQueries.Add(ctx, -1, metric.WithAttributes(tele.AttrQueryKind(pq.kind)))
	l.tele.QueryLatency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(tele.AttrQueryKind(pq.kind), tele.AttrOutcome(Reason(err).String())))
	l.recordOutcome(ctx, pq.kind, err)

	if pq.completer != nil {
		pq.completer.complete(ev)
		return
	}

	// internal query
	switch pq.kind {
	case kindRepublish:
		l.republishing--
		if err == nil {
			l.tele.RecordsRepublished.Add(ctx, 1)
		} else {
			l.log.Debug("republish failed", tele.LogAttrError(err))
		}
		l.republish(ctx)
	case kindBootstrap:
		if err != nil {
			l.log.Warn("periodic bootstrap failed", tele.LogAttrError(err))
		}
	default:
		if err != nil {
			l.log.Debug("internal query failed", slog.String("kind", pq.kind), tele.LogAttrError(err))
		}
	}
}

func (l *EventLoop) recordOutcome(ctx context.Context, kind string, err error) {
	l.tele.QueriesFinished.Add(ctx, 1, metric.WithAttributes(
		tele.AttrQueryKind(kind),
		tele.AttrOutcome(Reason(err).String()),
	))
}

// eventError extracts the error of a terminal event.
func eventError(ev QueryEvent) error {
	switch ev := ev.(type) {
	case *EventDialFinished:
		return ev.Err
	case *EventBootstrapFinished:
		return ev.Err
	case *EventGetRecordFinished:
		return ev.Err
	case *EventPutRecordFinished:
		return ev.Err
	default:
		return unexpectedEvent(ev)
	}
}

func unexpectedEvent(ev QueryEvent) error {
	return fmt.Errorf("unexpected terminal event %T", ev)
}

// bootstrap runs the periodic re-bootstrap.
func (l *EventLoop) bootstrap(ctx context.Context) {
	id, err := l.swarm.Bootstrap(l.cfg.BootstrapPeers)
	if err != nil {
		l.log.Debug("skipping periodic bootstrap", tele.LogAttrError(err))
		return
	}
	l.track(ctx, id, kindBootstrap, nil)
}

// maintain collects garbage, renews relay reservations and schedules
// republishing.
func (l *EventLoop) maintain(ctx context.Context) {
	now := l.cfg.Clock.Now()

	if l.cache != nil {
		for _, k := range l.cache.Keys() {
			if e, ok := l.cache.Peek(k); ok && l.stale(e, now) {
				l.cache.Remove(k)
			}
		}
	}

	if l.store != nil {
		if removed := l.store.CollectGarbage(); removed > 0 {
			l.tele.GarbageCollected.Add(ctx, int64(removed))
			l.log.Debug("collected expired store entries", slog.Int("removed", removed))
			if l.providers != nil {
				l.providers.Purge()
			}
		}
	}

	l.renewRelays(false)

	if l.store == nil {
		return
	}

	local := l.swarm.LocalPeer()
	replicate := l.cfg.Mode == ModeServer && now.Sub(l.lastReplication) >= l.cfg.Kademlia.ReplicationInterval
	publish := now.Sub(l.lastPublication) >= l.cfg.Kademlia.PublicationInterval
	if !replicate && !publish {
		return
	}

	if len(l.republishQueue) > 0 {
		l.log.Debug("previous republish still running", slog.Int("queued", len(l.republishQueue)))
		return
	}

	for _, rec := range l.store.Records() {
		if replicate || rec.Publisher == local {
			l.republishQueue = append(l.republishQueue, rec)
		}
	}
	if publish {
		l.lastPublication = now
	}
	if replicate {
		l.lastReplication = now
	}

	l.log.Info("republishing records", slog.Int("records", len(l.republishQueue)), slog.Bool("replicate", replicate))
	l.republish(ctx)
}

// republish starts queued republish queries up to the parallelization
// limit.
func (l *EventLoop) republish(ctx context.Context) {
	for l.republishing < l.cfg.DHTParallelizationLimit && len(l.republishQueue) > 0 {
		stored := l.republishQueue[0]
		l.republishQueue = l.republishQueue[1:]

		k, rec, err := storedSample(stored)
		if err != nil {
			l.log.Warn("skipping undecodable record", tele.LogAttrError(err))
			continue
		}
		key, ok := sampleKey(l.cfg.Namespace, k)
		if !ok {
			continue
		}

		id, err := l.swarm.PutRecord(key, rec)
		if err != nil {
			l.log.Debug("republish rejected", tele.LogAttrError(err))
			continue
		}
		l.republishing++
		l.track(ctx, id, kindRepublish, nil)
	}

	if len(l.republishQueue) == 0 {
		l.republishQueue = nil
	}
}

// renewRelays asks for reservations with relays that have none or whose
// reservation is about to expire. If force is set, every relay without a
// request in flight is asked.
func (l *EventLoop) renewRelays(force bool) {
	deadline := l.cfg.Clock.Now().Add(renewMargin * l.cfg.MaintenanceInterval)

	for _, r := range l.relays {
		if r.inflight {
			continue
		}
		if !force && r.expiration.After(deadline) {
			continue
		}
		r.inflight = true
		l.swarm.ReserveRelay(r.info)
	}
}

func (l *EventLoop) handleReservation(ev *EventRelayReservation) {
	r, found := l.relays[ev.Relay]
	if !found {
		l.log.Debug("reservation with relay no longer configured", tele.LogAttrPeerID(ev.Relay))
		return
	}
	r.inflight = false

	if ev.Err != nil {
		l.log.Warn("relay reservation failed", tele.LogAttrPeerID(ev.Relay), tele.LogAttrError(ev.Err))
		return
	}

	r.addrs = ev.Addrs
	r.expiration = ev.Expiration
	l.log.Info("relay reservation accepted", tele.LogAttrPeerID(ev.Relay), slog.Time("expiration", ev.Expiration))
}

func (l *EventLoop) cached(key []byte) (*PeerRecord, bool) {
	if l.cache == nil {
		return nil, false
	}

	e, ok := l.cache.Get(string(key))
	if !ok {
		return nil, false
	}

	if l.stale(e, l.cfg.Clock.Now()) {
		l.cache.Remove(string(key))
		return nil, false
	}

	cp := *e.rec
	cp.Key = bytes.Clone(e.rec.Key)
	cp.Value = bytes.Clone(e.rec.Value)
	return &cp, true
}

func (l *EventLoop) remember(rec *PeerRecord) {
	if l.cache == nil || rec == nil {
		return
	}

	// callers own the slices they passed or received
	cp := *rec
	cp.Key = bytes.Clone(rec.Key)
	cp.Value = bytes.Clone(rec.Value)
	l.cache.Add(string(cp.Key), cacheEntry{rec: &cp, added: l.cfg.Clock.Now()})
}

func (l *EventLoop) forget(key []byte) {
	if l.cache != nil {
		l.cache.Remove(string(key))
	}
}

// stale reports whether e must not be served anymore. Entries are dropped
// after the cache TTL so that records replaced by other publishers are
// picked up.
func (l *EventLoop) stale(e cacheEntry, now time.Time) bool {
	return recordExpired(e.rec, now) || now.Sub(e.added) >= l.cfg.GetCacheTTL
}

func recordExpired(rec *PeerRecord, now time.Time) bool {
	return !rec.Expires.IsZero() && !now.Before(rec.Expires)
}

// putCompleter caches the published record once the put succeeded.
type putCompleter struct {
	*CmdPutRecord
	loop   *EventLoop
	record *SampleRecord
}

func (c *putCompleter) complete(ev QueryEvent) {
	if e, ok := ev.(*EventPutRecordFinished); ok && e.Err == nil {
		c.loop.remember(&PeerRecord{
			Key:       c.Key,
			Value:     c.record.Value,
			Publisher: c.record.Publisher,
			Expires:   c.record.Expires,
		})
	}
	c.CmdPutRecord.complete(ev)
}

// getCompleter caches fetched records.
type getCompleter struct {
	*CmdGetRecord
	loop *EventLoop
}

func (c *getCompleter) complete(ev QueryEvent) {
	if e, ok := ev.(*EventGetRecordFinished); ok && e.Err == nil && e.Record != nil {
		c.loop.remember(&PeerRecord{
			Key:       c.Key,
			Value:     e.Record.Value,
			Publisher: e.Record.Publisher,
			Expires:   e.Record.Expires,
		})
	}
	c.CmdGetRecord.complete(ev)
}
