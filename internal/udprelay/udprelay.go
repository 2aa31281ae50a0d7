// Package udprelay implements the UDP halves of the proxy. Each datagram is
// an independent crypto unit; a NAT table maps downstream peers to the
// upstream sockets carrying their traffic so replies find their way back.
package udprelay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/orf53975/fuckshadows-go/internal/cipher"
	"github.com/orf53975/fuckshadows-go/internal/logging"
	"github.com/orf53975/fuckshadows-go/internal/metrics"
	"github.com/orf53975/fuckshadows-go/internal/socks"
)

// maxDatagram bounds a single relayed datagram including envelope.
const maxDatagram = 64 * 1024

// Config carries the shared knobs of both relay halves.
type Config struct {
	Cipher  *cipher.Cipher
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// IdleTimeout expires NAT entries with no traffic. Zero disables
	// expiry.
	IdleTimeout time.Duration

	// MaxAssociations caps concurrent NAT entries. Zero means unlimited.
	MaxAssociations int
}

// Server receives sealed datagrams, forwards the payloads to their targets
// and seals the replies on the way back.
type Server struct {
	cfg    Config
	filter cipher.SaltFilter
	nat    *natMap
	log    *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates the server-side UDP relay. The filter must be the one
// shared with the TCP relay so salts are tracked across both transports.
func NewServer(filter cipher.SaltFilter, cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		filter: filter,
		nat:    newNATMap(cfg.MaxAssociations),
		log:    logging.Component(cfg.Logger, "udp-server"),
	}
}

// Serve relays datagrams on pc until ctx is cancelled or the socket fails.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	defer func() {
		s.nat.Close()
		s.wg.Wait()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.handlePacket(pc, buf[:n], from)
	}
}

func (s *Server) handlePacket(pc net.PacketConn, pkt []byte, from net.Addr) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UDPPacketsReceived.Inc()
	}

	payload, err := s.cfg.Cipher.OpenPacket(nil, pkt, s.filter)
	if err != nil {
		s.countDrop(err)
		return
	}

	target, err := socks.SplitAddr(payload)
	if err != nil {
		s.log.Debug("datagram without target header", slog.Any(logging.KeyError, err))
		return
	}
	body := payload[len(target):]

	targetAddr, err := net.ResolveUDPAddr("udp", target.String())
	if err != nil {
		s.log.Debug("unresolvable target", slog.String(logging.KeyTarget, target.String()))
		return
	}

	assoc := s.nat.Get(from.String())
	if assoc == nil {
		assoc, err = s.openAssociation(pc, from)
		if err != nil {
			s.log.Warn("open association failed", slog.Any(logging.KeyError, err))
			return
		}
		if assoc == nil {
			// Table full.
			return
		}
	}
	assoc.Touch()

	if _, err := assoc.Upstream.WriteTo(body, targetAddr); err != nil {
		s.log.Debug("forward failed", slog.Any(logging.KeyError, err))
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UDPPacketsSent.Inc()
	}
}

// openAssociation binds a fresh upstream socket for from and starts its
// return path.
func (s *Server) openAssociation(pc net.PacketConn, from net.Addr) (*Association, error) {
	upstream, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, err
	}

	assoc := NewAssociation(from, upstream)
	if !s.nat.Put(from.String(), assoc) {
		upstream.Close()
		s.log.Warn("association table full", slog.Int(logging.KeyCount, s.nat.Len()))
		return nil, nil
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UDPAssociationsTotal.Inc()
		s.cfg.Metrics.UDPAssociationsActive.Set(float64(s.nat.Len()))
	}

	s.wg.Add(1)
	go s.returnPath(pc, assoc)
	return assoc, nil
}

// returnPath seals replies from the upstream socket back to the client.
// The reply carries the responder's address so the client can demultiplex.
func (s *Server) returnPath(pc net.PacketConn, assoc *Association) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	sealBuf := make([]byte, 0, maxDatagram)

	for {
		n, from, err := assoc.Upstream.ReadFrom(buf)
		if err != nil {
			return
		}
		assoc.Touch()

		fromAddr, err := socks.ParseAddr(from.String())
		if err != nil {
			continue
		}

		reply := append(append([]byte(nil), fromAddr...), buf[:n]...)
		sealed, err := s.cfg.Cipher.SealPacket(sealBuf[:0], reply)
		if err != nil {
			s.log.Warn("seal reply failed", slog.Any(logging.KeyError, err))
			continue
		}
		sealBuf = sealed

		if _, err := pc.WriteTo(sealed, assoc.ClientAddr); err != nil {
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.UDPPacketsSent.Inc()
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.nat.Sweep(s.cfg.IdleTimeout); n > 0 {
				s.log.Debug("expired associations", slog.Int(logging.KeyCount, n))
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.UDPAssociationsActive.Set(float64(s.nat.Len()))
				}
			}
		}
	}
}

func (s *Server) countDrop(err error) {
	if s.cfg.Metrics == nil {
		return
	}
	switch {
	case errors.Is(err, cipher.ErrReplayDetected):
		s.cfg.Metrics.ReplayDrops.Inc()
	case errors.Is(err, cipher.ErrAuthFailed):
		s.cfg.Metrics.AuthFailures.Inc()
	case errors.Is(err, cipher.ErrShortPacket):
		s.cfg.Metrics.ShortPackets.Inc()
	}
}

// Client receives SOCKS5 UDP datagrams from local applications, seals them
// toward the remote server and unwraps the sealed replies.
type Client struct {
	cfg        Config
	serverAddr *net.UDPAddr
	nat        *natMap
	log        *slog.Logger

	wg sync.WaitGroup
}

// NewClient creates the client-side UDP relay toward serverAddr.
func NewClient(serverAddr string, cfg Config) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		serverAddr: addr,
		nat:        newNATMap(cfg.MaxAssociations),
		log:        logging.Component(cfg.Logger, "udp-client"),
	}, nil
}

// Serve relays datagrams on pc until ctx is cancelled or the socket fails.
func (c *Client) Serve(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	if c.cfg.IdleTimeout > 0 {
		c.wg.Add(1)
		go c.sweepLoop(ctx)
	}
	defer func() {
		c.nat.Close()
		c.wg.Wait()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.handleDatagram(pc, buf[:n], from)
	}
}

func (c *Client) handleDatagram(pc net.PacketConn, pkt []byte, from net.Addr) {
	target, body, err := socks.ParseUDPDatagram(pkt)
	if err != nil {
		c.log.Debug("malformed local datagram", slog.Any(logging.KeyError, err))
		return
	}

	assoc := c.nat.Get(from.String())
	if assoc == nil {
		assoc, err = c.openAssociation(pc, from)
		if err != nil {
			c.log.Warn("open association failed", slog.Any(logging.KeyError, err))
			return
		}
		if assoc == nil {
			return
		}
	}
	assoc.Touch()

	plaintext := append(append([]byte(nil), target...), body...)
	sealed, err := c.cfg.Cipher.SealPacket(nil, plaintext)
	if err != nil {
		c.log.Warn("seal failed", slog.Any(logging.KeyError, err))
		return
	}

	if _, err := assoc.Upstream.WriteTo(sealed, c.serverAddr); err != nil {
		c.log.Debug("forward to server failed", slog.Any(logging.KeyError, err))
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UDPPacketsSent.Inc()
	}
}

func (c *Client) openAssociation(pc net.PacketConn, from net.Addr) (*Association, error) {
	upstream, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, err
	}

	assoc := NewAssociation(from, upstream)
	if !c.nat.Put(from.String(), assoc) {
		upstream.Close()
		c.log.Warn("association table full", slog.Int(logging.KeyCount, c.nat.Len()))
		return nil, nil
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UDPAssociationsTotal.Inc()
		c.cfg.Metrics.UDPAssociationsActive.Set(float64(c.nat.Len()))
	}

	c.wg.Add(1)
	go c.returnPath(pc, assoc)
	return assoc, nil
}

// returnPath unwraps sealed replies from the server and hands them to the
// local application as SOCKS5 UDP datagrams.
func (c *Client) returnPath(pc net.PacketConn, assoc *Association) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)

	for {
		n, _, err := assoc.Upstream.ReadFrom(buf)
		if err != nil {
			return
		}
		assoc.Touch()

		payload, err := c.cfg.Cipher.OpenPacket(nil, buf[:n], nil)
		if err != nil {
			if c.cfg.Metrics != nil && errors.Is(err, cipher.ErrAuthFailed) {
				c.cfg.Metrics.AuthFailures.Inc()
			}
			continue
		}

		fromAddr, err := socks.SplitAddr(payload)
		if err != nil {
			continue
		}
		body := payload[len(fromAddr):]

		if _, err := pc.WriteTo(socks.EncodeUDPDatagram(fromAddr, body), assoc.ClientAddr); err != nil {
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.UDPPacketsReceived.Inc()
		}
	}
}

func (c *Client) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.nat.Sweep(c.cfg.IdleTimeout); n > 0 {
				c.log.Debug("expired associations", slog.Int(logging.KeyCount, n))
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.UDPAssociationsActive.Set(float64(c.nat.Len()))
				}
			}
		}
	}
}
