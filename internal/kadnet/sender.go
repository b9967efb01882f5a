// Package kadnet sends DHT wire messages to remote peers. It implements the
// message sender of go-libp2p-kad-dht's protocol messenger so that requests
// the DHT does not expose, like a put to a single peer, can be made directly.
package kadnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/libp2p/go-msgio/protoio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/exp/slog"

	"github.com/libp2p/go-libp2p-das/tele"
)

// ErrReadTimeout is returned when no response arrived within the read
// timeout.
var ErrReadTimeout = errors.New("timed out reading response")

// Config holds the settings of a [MessageSender].
type Config struct {
	// ReadTimeout bounds the wait for the response to a request.
	ReadTimeout time.Duration

	// Logger receives debug logs of failed requests.
	Logger *slog.Logger

	// MeterProvider provides the meter the sender records to.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the configuration used by the DHT itself.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:   10 * time.Second,
		Logger:        tele.DefaultLogger("kadnet"),
		MeterProvider: otel.GetMeterProvider(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be a positive duration")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}
	if c.MeterProvider == nil {
		return fmt.Errorf("meter provider must not be nil")
	}
	return nil
}

// MessageSender opens a fresh stream for every message. Streams speak the
// first of the configured protocols the remote peer supports.
type MessageSender struct {
	host      host.Host
	protocols []protocol.ID
	cfg       *Config
	log       *slog.Logger

	sentRequests      metric.Int64Counter
	sentRequestErrors metric.Int64Counter
	sentBytes         metric.Int64Counter
	requestLatency    metric.Float64Histogram
}

var _ pb.MessageSender = (*MessageSender)(nil)

// NewMessageSender returns a sender that talks protos over h.
func NewMessageSender(h host.Host, protos []protocol.ID, cfg *Config) (*MessageSender, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(protos) == 0 {
		return nil, fmt.Errorf("no protocols to send with")
	}

	m := &MessageSender{
		host:      h,
		protocols: protos,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "message_sender"),
	}

	meter := cfg.MeterProvider.Meter(tele.MeterName)

	var err error
	m.sentRequests, err = meter.Int64Counter("sent_requests", metric.WithDescription("Total number of requests sent per message type"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("sent_requests counter: %w", err)
	}

	m.sentRequestErrors, err = meter.Int64Counter("sent_request_errors", metric.WithDescription("Total number of errors for requests sent per message type"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("sent_request_errors counter: %w", err)
	}

	m.sentBytes, err = meter.Int64Counter("sent_bytes", metric.WithDescription("Total sent bytes per message type"), metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("sent_bytes counter: %w", err)
	}

	m.requestLatency, err = meter.Float64Histogram("outbound_request_latency", metric.WithDescription("Latency per outbound request"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("outbound_request_latency histogram: %w", err)
	}

	return m, nil
}

// SendRequest sends pmes to p and waits for the response. The round trip
// time is recorded in the peerstore.
func (m *MessageSender) SendRequest(ctx context.Context, p peer.ID, pmes *pb.Message) (*pb.Message, error) {
	attrs := metric.WithAttributes(attribute.String("message_type", pmes.GetType().String()))
	m.sentRequests.Add(ctx, 1, attrs)

	start := time.Now()

	s, err := m.send(ctx, p, pmes)
	if err != nil {
		m.sentRequestErrors.Add(ctx, 1, attrs)
		m.log.Debug("request failed", tele.LogAttrPeerID(p), tele.LogAttrError(err))
		return nil, err
	}
	defer func() { _ = s.Close() }()

	rpmes, err := m.readResponse(ctx, s)
	if err != nil {
		_ = s.Reset()
		m.sentRequestErrors.Add(ctx, 1, attrs)
		m.log.Debug("reading response failed", tele.LogAttrPeerID(p), tele.LogAttrError(err))
		return nil, err
	}

	elapsed := time.Since(start)
	m.sentBytes.Add(ctx, int64(pmes.Size()), attrs)
	m.requestLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	m.host.Peerstore().RecordLatency(p, elapsed)

	return rpmes, nil
}

// SendMessage sends pmes to p without waiting for a response.
func (m *MessageSender) SendMessage(ctx context.Context, p peer.ID, pmes *pb.Message) error {
	attrs := metric.WithAttributes(attribute.String("message_type", pmes.GetType().String()))

	s, err := m.send(ctx, p, pmes)
	if err != nil {
		m.sentRequestErrors.Add(ctx, 1, attrs)
		m.log.Debug("message failed", tele.LogAttrPeerID(p), tele.LogAttrError(err))
		return err
	}

	m.sentBytes.Add(ctx, int64(pmes.Size()), attrs)
	return s.Close()
}

// send opens a stream to p and writes pmes. The stream is reset on error.
func (m *MessageSender) send(ctx context.Context, p peer.ID, pmes *pb.Message) (network.Stream, error) {
	s, err := m.host.NewStream(ctx, p, m.protocols...)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(deadline); err != nil {
			_ = s.Reset()
			return nil, err
		}
	}

	// the delimited writer performs several small writes per message
	bw := bufio.NewWriter(s)
	if err := protoio.NewDelimitedWriter(bw).WriteMsg(pmes); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		_ = s.Reset()
		return nil, err
	}

	return s, nil
}

func (m *MessageSender) readResponse(ctx context.Context, s network.Stream) (*pb.Message, error) {
	r := msgio.NewVarintReaderSize(s, network.MessageSizeMax)

	errc := make(chan error, 1)
	mes := new(pb.Message)
	go func() {
		data, err := r.ReadMsg()
		if err != nil {
			errc <- err
			return
		}
		errc <- mes.Unmarshal(data)
		r.ReleaseMsg(data)
	}()

	t := time.NewTimer(m.cfg.ReadTimeout)
	defer t.Stop()

	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
		return mes, nil
	case <-ctx.Done():
		// the reset unblocks the reader
		_ = s.Reset()
		return nil, ctx.Err()
	case <-t.C:
		_ = s.Reset()
		return nil, ErrReadTimeout
	}
}
