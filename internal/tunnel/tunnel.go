// Package tunnel implements the CONNECT method: a full-duplex byte relay
// between the client and an upstream TCP connection, with no buffering or
// inspection of the tunneled bytes.
package tunnel

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConnectTimeout bounds the upstream TCP dial for a CONNECT request.
const ConnectTimeout = 50 * time.Second

// Error wraps a CONNECT dial failure; the handler serves a synthetic 502.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "tunnel: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Relay dials hostport and runs the full-duplex relay between client and
// the upstream connection until either side closes. established is called
// once the upstream dial succeeds and before any bytes are relayed, so the
// caller can write its own "connection established" response line; if
// established returns an error the relay is aborted without touching client.
func Relay(ctx context.Context, client net.Conn, hostport string, established func() error) error {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return &Error{Err: err}
	}
	defer upstream.Close()

	if established != nil {
		if err := established(); err != nil {
			return err
		}
	}

	pump(client, upstream)
	return nil
}

// pump runs the two byte pumps (client->upstream, upstream->client)
// concurrently and returns once both have reached EOF or error on either
// side. Each pump half-closes its write side as it finishes so the peer
// observes EOF promptly instead of waiting for the other direction to also
// finish.
func pump(client, upstream net.Conn) {
	g := new(errgroup.Group)

	g.Go(func() error {
		_, err := io.Copy(upstream, client)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		return err
	})

	g.Wait()
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}
