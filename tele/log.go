package tele

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/exp/slog"
)

// DefaultLogger returns a structured logger backed by the go-log subsystem
// of the given name, so log levels can be tuned with GOLOG_LOG_LEVEL.
func DefaultLogger(system string) *slog.Logger {
	return slog.New(zapslog.NewHandler(logging.Logger(system).Desugar().Core()))
}

// LogAttrPeerID returns a slog attribute for a peer ID.
func LogAttrPeerID(id fmt.Stringer) slog.Attr {
	return slog.String("peer_id", id.String())
}

// LogAttrError returns a slog attribute for an error. A nil error is logged
// as an empty string.
func LogAttrError(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}
