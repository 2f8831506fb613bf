package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dial connects to address. ws:// and wss:// addresses use WebSocket, where
// each message carries one frame; anything else, optionally prefixed with
// tcp://, is a plain TCP stream.
func Dial(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		conn, err := dialWebsocket(ctx, address, timeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	address = strings.TrimPrefix(address, "tcp://")
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}
