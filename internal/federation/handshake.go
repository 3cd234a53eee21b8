// ABOUTME: Out-of-band handshake: await one message on the federation socket
// ABOUTME: The channel is closed on every exit path; cancellation is caller-driven

package federation

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Handshake opens the out-of-band channel at socketAddress and blocks on the
// single inbound login result. The connection is closed before returning on
// every path: success, provider error payload, timeout, or transport
// failure. Cancelling the context aborts a pending handshake; there is no
// server-side cancellation once the channel is open.
//
// The original protocol carries no timeout at all; when the caller's context
// has no deadline, the configured handshake timeout is applied as a
// deliberate safety bound.
func (b *Bridge) Handshake(ctx context.Context, socketAddress string) (LoginResult, error) {
	if _, ok := ctx.Deadline(); !ok && b.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handshakeTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, socketAddress, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing federation socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "handshake complete")

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("awaiting federation result: %w", err)
	}

	result, err := ParseLoginResult(data)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("federation handshake completed", "address", socketAddress)
	return result, nil
}
