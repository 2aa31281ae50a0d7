// Package relay implements the TCP halves of the proxy: the client side
// that accepts SOCKS5 locally and speaks the encrypted stream format to the
// remote, and the server side that terminates encrypted streams and dials
// out to the requested target.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/orf53975/fuckshadows-go/internal/cipher"
	"github.com/orf53975/fuckshadows-go/internal/logging"
	"github.com/orf53975/fuckshadows-go/internal/metrics"
	"github.com/orf53975/fuckshadows-go/internal/socks"
)

// Options carries the shared pieces of both relay halves.
type Options struct {
	Cipher  *cipher.Cipher
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration

	// IdleTimeout tears down relayed connections with no traffic.
	// Zero disables the idle check.
	IdleTimeout time.Duration

	// MaxConnections caps concurrently accepted connections at the
	// listener. Zero means unlimited.
	MaxConnections int

	// RateBytesPerSecond shapes per-connection throughput in each
	// direction. Zero disables shaping.
	RateBytesPerSecond int64
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

// limitListener applies the connection cap to ln.
func (o *Options) limitListener(ln net.Listener) net.Listener {
	if o.MaxConnections > 0 {
		return netutil.LimitListener(ln, o.MaxConnections)
	}
	return ln
}

// Client accepts SOCKS5 connections locally and forwards them through the
// remote server inside the encrypted stream format.
type Client struct {
	serverAddr string
	opts       Options
	log        *slog.Logger

	// udpBind, when set, is the address returned to UDP ASSOCIATE clients.
	udpBind net.Addr
}

// NewClient creates the client-side TCP relay toward serverAddr.
func NewClient(serverAddr string, opts Options) *Client {
	return &Client{
		serverAddr: serverAddr,
		opts:       opts,
		log:        logging.Component(opts.Logger, "relay-client"),
	}
}

// SetUDPBind advertises addr to UDP ASSOCIATE clients. Without it the
// client rejects the command.
func (c *Client) SetUDPBind(addr net.Addr) {
	c.udpBind = addr
}

// Serve accepts connections from ln until ctx is cancelled or the listener
// fails.
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	ln = c.opts.limitListener(ln)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go c.handle(ctx, conn)
	}
}

func (c *Client) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if c.opts.Metrics != nil {
		c.opts.Metrics.ConnectionsTotal.Inc()
		c.opts.Metrics.ConnectionsActive.Inc()
		defer c.opts.Metrics.ConnectionsActive.Dec()
	}

	req, err := socks.Handshake(conn)
	if err != nil {
		c.log.Debug("socks handshake failed",
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
			slog.Any(logging.KeyError, err))
		c.countError("socks_handshake")
		return
	}

	switch req.Cmd {
	case socks.CmdConnect:
		c.handleConnect(ctx, conn, req.Addr)
	case socks.CmdUDPAssociate:
		c.handleUDPAssociate(conn)
	}
}

func (c *Client) handleConnect(ctx context.Context, conn net.Conn, target socks.Addr) {
	start := time.Now()

	remote, err := net.DialTimeout("tcp", c.serverAddr, c.opts.dialTimeout())
	if err != nil {
		c.log.Warn("dial remote failed",
			slog.String(logging.KeyAddress, c.serverAddr),
			slog.Any(logging.KeyError, err))
		socks.SendReply(conn, socks.RepHostUnreachable, nil)
		c.countError("dial_remote")
		return
	}
	defer remote.Close()

	sc, err := cipher.NewStreamConn(remote, c.opts.Cipher, nil)
	if err != nil {
		socks.SendReply(conn, socks.RepGeneralFailure, nil)
		c.countError("cipher_init")
		return
	}
	defer sc.Close()

	// The target header is the first plaintext on the stream; the server
	// peels it off before splicing.
	if _, err := sc.Write(target); err != nil {
		socks.SendReply(conn, socks.RepGeneralFailure, nil)
		c.countError("write_target")
		return
	}

	if err := socks.SendReply(conn, socks.RepSuccess, remote.LocalAddr()); err != nil {
		return
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	}

	c.log.Debug("connection established",
		slog.String(logging.KeyTarget, target.String()),
		slog.Duration(logging.KeyDuration, time.Since(start)))

	sent, received := c.splice(ctx, conn, sc)
	if c.opts.Metrics != nil {
		c.opts.Metrics.BytesSent.WithLabelValues("tcp").Add(float64(sent))
		c.opts.Metrics.BytesReceived.WithLabelValues("tcp").Add(float64(received))
	}
}

// handleUDPAssociate parks the TCP control connection and points the client
// at the UDP relay. The association lives as long as the TCP side stays up.
func (c *Client) handleUDPAssociate(conn net.Conn) {
	if c.udpBind == nil {
		socks.SendReply(conn, socks.RepCommandNotSupported, nil)
		return
	}
	if err := socks.SendReply(conn, socks.RepSuccess, c.udpBind); err != nil {
		return
	}

	// Hold until the client drops the control connection.
	io.Copy(io.Discard, conn)
}

func (c *Client) splice(ctx context.Context, local, remote net.Conn) (sent, received int64) {
	return spliceConns(ctx, local, remote, c.opts.RateBytesPerSecond, c.opts.IdleTimeout)
}

func (c *Client) countError(kind string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RelayErrors.WithLabelValues(kind).Inc()
	}
}

// Server terminates encrypted streams and connects them to their targets.
type Server struct {
	opts   Options
	filter cipher.SaltFilter
	log    *slog.Logger
}

// NewServer creates the server-side TCP relay. The filter rejects replayed
// session salts and must be shared with the UDP relay.
func NewServer(filter cipher.SaltFilter, opts Options) *Server {
	return &Server{
		opts:   opts,
		filter: filter,
		log:    logging.Component(opts.Logger, "relay-server"),
	}
}

// Serve accepts connections from ln until ctx is cancelled or the listener
// fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = s.opts.limitListener(ln)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectionsTotal.Inc()
		s.opts.Metrics.ConnectionsActive.Inc()
		defer s.opts.Metrics.ConnectionsActive.Dec()
	}

	sc, err := cipher.NewStreamConn(conn, s.opts.Cipher, s.filter)
	if err != nil {
		s.countError("cipher_init")
		return
	}
	defer sc.Close()

	// Bound how long an unauthenticated peer may stall before producing a
	// valid target header.
	conn.SetReadDeadline(time.Now().Add(s.opts.dialTimeout()))

	target, err := socks.ReadAddr(sc)
	if err != nil {
		s.recordInboundFailure(err)
		// Close quietly: no differentiated response reaches the wire.
		return
	}
	conn.SetReadDeadline(time.Time{})

	start := time.Now()
	outbound, err := net.DialTimeout("tcp", target.String(), s.opts.dialTimeout())
	if err != nil {
		s.log.Warn("dial target failed",
			slog.String(logging.KeyTarget, target.String()),
			slog.Any(logging.KeyError, err))
		s.countError("dial_target")
		return
	}
	defer outbound.Close()

	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	}

	s.log.Debug("relaying",
		slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		slog.String(logging.KeyTarget, target.String()))

	sent, received := spliceConns(ctx, outbound, sc, s.opts.RateBytesPerSecond, s.opts.IdleTimeout)
	if s.opts.Metrics != nil {
		s.opts.Metrics.BytesSent.WithLabelValues("tcp").Add(float64(sent))
		s.opts.Metrics.BytesReceived.WithLabelValues("tcp").Add(float64(received))
	}
}

// recordInboundFailure classifies why an inbound stream never produced a
// valid target.
func (s *Server) recordInboundFailure(err error) {
	m := s.opts.Metrics
	switch {
	case errors.Is(err, cipher.ErrReplayDetected):
		s.log.Warn("replayed salt rejected")
		if m != nil {
			m.ReplayDrops.Inc()
		}
	case errors.Is(err, cipher.ErrAuthFailed):
		s.log.Debug("authentication failed on inbound stream")
		if m != nil {
			m.AuthFailures.Inc()
		}
	default:
		s.countError("read_target")
	}
}

func (s *Server) countError(kind string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RelayErrors.WithLabelValues(kind).Inc()
	}
}

// spliceConns copies both directions until one side finishes, then nudges
// the other side loose with an immediate read deadline. Returns bytes moved
// a→b and b→a.
func spliceConns(ctx context.Context, a, b net.Conn, rateBps int64, idle time.Duration) (int64, int64) {
	type half struct {
		n   int64
		err error
	}
	ch := make(chan half, 1)

	go func() {
		n, err := io.Copy(b, RateLimitedReader(ctx, idleReader(a, idle), rateBps))
		b.SetReadDeadline(time.Now())
		ch <- half{n, err}
	}()

	received, _ := io.Copy(a, RateLimitedReader(ctx, idleReader(b, idle), rateBps))
	a.SetReadDeadline(time.Now())
	out := <-ch

	return out.n, received
}

// idleReader arms a rolling read deadline so a dead peer cannot hold the
// relay open forever.
func idleReader(conn net.Conn, idle time.Duration) io.Reader {
	if idle <= 0 {
		return conn
	}
	return &idleConnReader{conn: conn, idle: idle}
}

type idleConnReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *idleConnReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.idle))
	return r.conn.Read(p)
}
