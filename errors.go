package das

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/libp2p/go-libp2p-das/kadstore"
)

var (
	// ErrClosed is returned by [Client] calls when the event loop stopped
	// before a response was produced, or when the handle itself was closed.
	ErrClosed = errors.New("event loop closed")

	// ErrQueryTimeout is matched by the error of a DHT query that did not
	// finish within the configured query timeout.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrDial is matched by every [*DialError].
	ErrDial = errors.New("dial failed")

	// ErrNoBootstrapPeers is returned by a bootstrap when none of the
	// configured bootstrap peers could be reached.
	ErrNoBootstrapPeers = errors.New("no bootstrap peer reachable")

	// ErrPutQuorum is matched by every [*QuorumError].
	ErrPutQuorum = errors.New("put not confirmed by enough peers")
)

// QuorumError is returned when fewer remote peers than the put quorum
// stored a record. The record is still held by the local store.
type QuorumError struct {
	Acks   int
	Quorum int

	// Err combines the errors of the peers that did not store the record.
	// It is nil if no peer close to the key was found.
	Err error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("put confirmed by %d of %d required peers", e.Acks, e.Quorum)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QuorumError) Unwrap() error {
	return e.Err
}

func (e *QuorumError) Is(target error) bool {
	return target == ErrPutQuorum
}

// DialError is returned when a connection to a peer could not be
// established. It is reported to the caller and never stops the event loop.
type DialError struct {
	Peer peer.ID
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %s", e.Peer, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func (e *DialError) Is(target error) bool {
	return target == ErrDial
}

// FailureReason classifies why a DHT query failed. A record rejected by the
// local store and a query that ran out of time are reported differently so
// that callers can tell storage pressure from network trouble.
type FailureReason int

const (
	// ReasonNone means the query succeeded.
	ReasonNone FailureReason = iota

	// ReasonStoreRejected means a bounded store cap rejected the record.
	ReasonStoreRejected

	// ReasonTimeout means the query exceeded the query timeout.
	ReasonTimeout

	// ReasonNetwork covers every other failure.
	ReasonNetwork

	// ReasonRemoteRejected means too few remote peers stored the record.
	ReasonRemoteRejected
)

// Reason returns the [FailureReason] of err.
func Reason(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, kadstore.ErrStoreFull):
		return ReasonStoreRejected
	case errors.Is(err, ErrPutQuorum):
		return ReasonRemoteRejected
	case errors.Is(err, ErrQueryTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonNetwork
	}
}

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "ok"
	case ReasonStoreRejected:
		return "store_rejected"
	case ReasonTimeout:
		return "timeout"
	case ReasonNetwork:
		return "network"
	case ReasonRemoteRejected:
		return "remote_rejected"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// queryError normalises the error of a finished query. Deadline errors of
// the query context become [ErrQueryTimeout].
func queryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrQueryTimeout) {
		return fmt.Errorf("%w: %w", ErrQueryTimeout, err)
	}
	return err
}
