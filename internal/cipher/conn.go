package cipher

import (
	"errors"
	"io"
	"net"
)

// readBufSize is how much raw ciphertext a stream conn pulls from the
// network per read. Large enough to hold a full chunk in one pass for the
// common case.
const readBufSize = 16 * 1024

// StreamConn wraps a net.Conn with the chunked stream codec: writes are
// sealed, reads are opened and verified. Reads and writes may run on
// different goroutines, but each side individually is single-caller.
type StreamConn struct {
	net.Conn

	enc *StreamEncrypter
	dec *StreamDecrypter

	rbuf     []byte // raw ciphertext read buffer
	leftover []byte // verified plaintext not yet handed to the caller
}

// NewStreamConn wraps conn for one proxied connection. A non-nil filter
// enables server-side replay rejection on the inbound salt.
func NewStreamConn(conn net.Conn, c *Cipher, filter SaltFilter) (*StreamConn, error) {
	enc, err := c.NewStreamEncrypter()
	if err != nil {
		return nil, err
	}
	return &StreamConn{
		Conn: conn,
		enc:  enc,
		dec:  c.NewStreamDecrypter(filter),
		rbuf: make([]byte, readBufSize),
	}, nil
}

// Read returns verified plaintext from the underlying connection.
func (sc *StreamConn) Read(p []byte) (int, error) {
	for len(sc.leftover) == 0 {
		n, err := sc.Conn.Read(sc.rbuf)
		if n > 0 {
			out, derr := sc.dec.Decrypt(sc.rbuf[:n])
			if derr != nil && !errors.Is(derr, ErrNeedMore) {
				return 0, derr
			}
			sc.leftover = out
		}
		if err != nil {
			// Plaintext that verified before the error still belongs to
			// the caller; surface the error on the next call.
			if len(sc.leftover) > 0 {
				break
			}
			return 0, err
		}
	}

	n := copy(p, sc.leftover)
	sc.leftover = sc.leftover[n:]
	return n, nil
}

// Write seals p and writes the resulting frames.
func (sc *StreamConn) Write(p []byte) (int, error) {
	out, err := sc.enc.Encrypt(p)
	if err != nil {
		return 0, err
	}
	if _, err := sc.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close wipes both session contexts and closes the underlying connection.
func (sc *StreamConn) Close() error {
	sc.enc.Close()
	sc.dec.Close()
	return sc.Conn.Close()
}

// PacketConn wraps a net.PacketConn so every datagram is sealed on write
// and opened on read.
type PacketConn struct {
	net.PacketConn

	c      *Cipher
	filter SaltFilter

	rbuf []byte
	obuf []byte
	wbuf []byte
}

// maxUDPPayload bounds a single datagram read off the socket.
const maxUDPPayload = 64 * 1024

// NewPacketConn wraps conn. A non-nil filter enables server-side replay
// rejection per datagram.
func NewPacketConn(conn net.PacketConn, c *Cipher, filter SaltFilter) *PacketConn {
	return &PacketConn{
		PacketConn: conn,
		c:          c,
		filter:     filter,
		rbuf:       make([]byte, maxUDPPayload),
	}
}

// ReadFrom reads one datagram and returns its verified payload. Datagrams
// that fail the length, replay or tag checks surface their error with the
// sender's address so the caller can account for the drop.
func (pc *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := pc.PacketConn.ReadFrom(pc.rbuf)
	if err != nil {
		return 0, addr, err
	}

	out, err := pc.c.OpenPacket(pc.obuf[:0], pc.rbuf[:n], pc.filter)
	if err != nil {
		return 0, addr, err
	}
	pc.obuf = out

	m := copy(p, out)
	if m < len(out) {
		return m, addr, io.ErrShortBuffer
	}
	return m, addr, nil
}

// WriteTo seals p into a fresh datagram for addr.
func (pc *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	out, err := pc.c.SealPacket(pc.wbuf[:0], p)
	if err != nil {
		return 0, err
	}
	pc.wbuf = out
	if _, err := pc.PacketConn.WriteTo(out, addr); err != nil {
		return 0, err
	}
	return len(p), nil
}
