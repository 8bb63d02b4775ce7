// Package transport delivers outbound messages to open channels. The hub
// tracks the live websocket for every connection id; everything above it
// (router, reaper, keepalive) only sees the Sender interface and the
// dead-channel sentinel.
package transport

import (
	"context"
	"errors"
)

// ErrGone reports that the destination channel no longer exists at the
// transport layer. It is the one delivery failure treated as authoritative
// proof of death; every other error is inconclusive.
var ErrGone = errors.New("transport: connection gone")

// Sender delivers a raw wire message to a single channel.
type Sender interface {
	Send(ctx context.Context, connectionID string, data []byte) error
}
