// Package cachekv is an async client for the external key-value cache store
// (a memcached instance, reached on its default port 11211) speaking
// memcached's ASCII get/set commands. It keeps a bounded pool of connections
// so no single request can starve the proxy's other in-flight work.
package cachekv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrUnavailable names the store-unavailable condition. No Client method
// returns it: Get reports a network error or timeout as a miss, and Set logs
// and drops the failure.
var ErrUnavailable = errors.New("cachekv: store unavailable")

// Config configures a Client.
type Config struct {
	Addr       string        // host:port of the cache store, default 127.0.0.1:11211
	PoolSize   int64         // max concurrent connections, default 5000
	DialTimout time.Duration // per-connection dial timeout
	IOTimeout  time.Duration // per-round-trip read/write timeout
}

// Client is a pooled, non-blocking client for the cache store.
type Client struct {
	addr      string
	dialer    net.Dialer
	ioTimeout time.Duration
	sem       *semaphore.Weighted

	mu   sync.Mutex
	idle []net.Conn

	logger *slog.Logger
}

// New returns a Client configured per cfg, filling in defaults for zero
// fields.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:11211"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 5000
	}
	if cfg.DialTimout == 0 {
		cfg.DialTimout = 2 * time.Second
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		addr:      cfg.Addr,
		dialer:    net.Dialer{Timeout: cfg.DialTimout},
		ioTimeout: cfg.IOTimeout,
		sem:       semaphore.NewWeighted(cfg.PoolSize),
		logger:    logger,
	}
}

// Get performs a single get round-trip. It returns (nil, false) on a miss, a
// network error, or a timeout — the distinction does not matter to callers,
// all three mean "fetch from upstream instead". A present-but-empty value is
// also reported as a miss, matching the original proxy's falsy-value check.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer c.sem.Release(1)

	conn, err := c.borrow()
	if err != nil {
		c.logger.Warn("cachekv: get dial failed", slog.Any("err", err))
		return nil, false
	}

	value, ok := c.doGet(conn, key)
	if ok {
		c.release(conn)
	} else {
		conn.Close()
	}
	return value, ok && len(value) > 0
}

// Set dispatches a fire-and-forget set; failures are logged and swallowed.
// The call returns immediately; the actual write happens on a goroutine.
func (c *Client) Set(key string, value []byte) {
	go func() {
		if err := c.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		conn, err := c.borrow()
		if err != nil {
			c.logger.Warn("cachekv: set dial failed", slog.Any("err", err))
			return
		}

		if err := c.doSet(conn, key, value); err != nil {
			c.logger.Warn("cachekv: set failed", slog.Any("err", err))
			conn.Close()
			return
		}
		c.release(conn)
	}()
}

// Close closes every idle pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.idle {
		conn.Close()
	}
	c.idle = nil
}

func (c *Client) borrow() (net.Conn, error) {
	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	return c.dialer.Dial("tcp", c.addr)
}

func (c *Client) release(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = append(c.idle, conn)
}

// doGet speaks memcached's ASCII retrieval command: "get <key>\r\n" answered
// by either "END\r\n" (miss) or "VALUE <key> <flags> <bytes>\r\n" followed by
// exactly <bytes> raw bytes, a trailing CRLF, and a closing "END\r\n". Values
// are opaque compressed blobs (see internal/codec) and may contain any byte
// including '\n', so they must be read by the declared length, never by line.
func (c *Client) doGet(conn net.Conn, key string) ([]byte, bool) {
	conn.SetDeadline(time.Now().Add(c.ioTimeout))

	if _, err := fmt.Fprintf(conn, "get %s\r\n", key); err != nil {
		return nil, false
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" || line == "END" {
		return nil, false
	}

	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "VALUE" {
		return nil, false
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, false
	}

	value := make([]byte, n)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, false
	}
	// consume the trailing CRLF after the value and the closing END line
	r.ReadString('\n')
	r.ReadString('\n')

	return value, true
}

// doSet speaks memcached's ASCII storage command: "set <key> <flags>
// <exptime> <bytes>\r\n" followed by the raw value and a trailing CRLF,
// answered by "STORED\r\n". exptime 0 means "never expire" in the memcached
// protocol; this client relies on the store's own eviction policy rather
// than per-key TTLs.
func (c *Client) doSet(conn net.Conn, key string, value []byte) error {
	conn.SetDeadline(time.Now().Add(c.ioTimeout))

	if _, err := fmt.Fprintf(conn, "set %s 0 0 %d\r\n", key, len(value)); err != nil {
		return err
	}
	if _, err := conn.Write(value); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimRight(reply, "\r\n") != "STORED" {
		return fmt.Errorf("cachekv: unexpected set reply %q", reply)
	}
	return nil
}
