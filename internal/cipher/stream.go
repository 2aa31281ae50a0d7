package cipher

import (
	stdcipher "crypto/cipher"
	"encoding/binary"
	"fmt"
)

// StreamEncrypter turns plaintext into the chunked TCP wire format for one
// direction of a connection. It is not safe for concurrent use.
type StreamEncrypter struct {
	c     *Cipher
	salt  []byte
	armed bool

	aead   stdcipher.AEAD
	subkey []byte
	nonce  []byte

	// spent is set once the nonce counter wraps; every call after that
	// fails rather than reuse a nonce.
	spent bool

	out []byte
}

// NewStreamEncrypter creates an encrypting context with a fresh random salt.
// The salt is emitted ahead of the first chunk; the subkey is derived from
// it on the first non-empty Encrypt call.
func (c *Cipher) NewStreamEncrypter() (*StreamEncrypter, error) {
	salt, err := c.randomSalt()
	if err != nil {
		return nil, err
	}
	return &StreamEncrypter{c: c, salt: salt}, nil
}

// Salt returns the session salt. Exposed for tests and diagnostics; the salt
// travels in the clear anyway.
func (e *StreamEncrypter) Salt() []byte { return e.salt }

// Encrypt seals p into zero or more chunks and returns the wire bytes. The
// first call additionally emits the session salt. The returned slice is
// owned by the context and valid until the next call.
//
// An empty p produces no output and does not touch the session state.
func (e *StreamEncrypter) Encrypt(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if e.spent {
		return nil, ErrNonceExhausted
	}

	e.out = e.out[:0]

	if !e.armed {
		subkey, err := deriveSubkey(e.c.masterKey, e.salt, e.c.spec.KeySize)
		if err != nil {
			return nil, fmt.Errorf("derive subkey: %w", err)
		}
		aead, err := e.c.spec.New(subkey)
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", e.c.spec.Name, err)
		}
		e.subkey = subkey
		e.aead = aead
		e.nonce = make([]byte, e.c.spec.NonceSize)
		e.armed = true
		e.out = append(e.out, e.salt...)
	}

	for len(p) > 0 {
		n := len(p)
		if n > maxPayloadSize {
			n = maxPayloadSize
		}
		if err := e.sealChunk(p[:n]); err != nil {
			return nil, err
		}
		p = p[n:]
	}

	return e.out, nil
}

// sealChunk appends one sealed chunk to e.out, consuming two nonce values.
func (e *StreamEncrypter) sealChunk(payload []byte) error {
	if e.spent {
		return ErrNonceExhausted
	}

	var lenField [lenFieldSize]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(payload)))

	e.out = e.aead.Seal(e.out, e.nonce, lenField[:], nil)
	if increment(e.nonce) {
		e.spent = true
		return ErrNonceExhausted
	}

	e.out = e.aead.Seal(e.out, e.nonce, payload, nil)
	if increment(e.nonce) {
		e.spent = true
	}
	return nil
}

// Close wipes the session secrets. The context is unusable afterwards.
func (e *StreamEncrypter) Close() {
	wipe(e.subkey)
	wipe(e.nonce)
	wipe(e.salt)
	wipe(e.out)
	e.aead = nil
	e.spent = true
}

// StreamDecrypter inverts StreamEncrypter for the inbound direction. It
// buffers ciphertext across calls and emits plaintext only for chunks whose
// tags verified. It is not safe for concurrent use.
type StreamDecrypter struct {
	c      *Cipher
	filter SaltFilter // nil outside the server role

	armed bool
	salt  []byte

	aead   stdcipher.AEAD
	subkey []byte
	nonce  []byte

	spent  bool
	failed bool

	// buf holds unconsumed ciphertext between calls. It never grows past a
	// bounded overhang beyond one maximum chunk because every complete
	// chunk is drained before Decrypt returns.
	buf []byte
	out []byte
}

// NewStreamDecrypter creates a decrypting context. A non-nil filter enables
// server-side salt replay rejection; pass nil on the client.
func (c *Cipher) NewStreamDecrypter(filter SaltFilter) *StreamDecrypter {
	return &StreamDecrypter{c: c, filter: filter}
}

// Decrypt appends p to the reassembly buffer and drains every complete chunk
// from it. It returns the verified plaintext, or ErrNeedMore when no full
// chunk is buffered yet. ErrAuthFailed and ErrReplayDetected are terminal:
// no plaintext is returned alongside them and the context refuses further
// input.
//
// The returned slice is owned by the context and valid until the next call.
func (d *StreamDecrypter) Decrypt(p []byte) ([]byte, error) {
	if d.failed {
		return nil, ErrAuthFailed
	}

	d.buf = append(d.buf, p...)
	d.out = d.out[:0]

	if !d.armed {
		if err := d.consumeSalt(); err != nil {
			return nil, err
		}
		if !d.armed {
			return nil, ErrNeedMore
		}
	}

	for {
		ok, err := d.openChunk()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}

	if len(d.out) == 0 {
		return nil, ErrNeedMore
	}
	return d.out, nil
}

// consumeSalt waits for key-size bytes, checks the replay filter and derives
// the session subkey. The salt is recorded in the filter as soon as it is
// accepted so a parallel replay of the same stream head is rejected.
func (d *StreamDecrypter) consumeSalt() error {
	keySize := d.c.spec.KeySize
	if len(d.buf) < keySize {
		return nil
	}

	salt := make([]byte, keySize)
	copy(salt, d.buf[:keySize])

	if d.filter != nil {
		if d.filter.Check(salt) {
			d.failed = true
			return ErrReplayDetected
		}
		d.filter.Add(salt)
	}

	subkey, err := deriveSubkey(d.c.masterKey, salt, keySize)
	if err != nil {
		d.failed = true
		return fmt.Errorf("derive subkey: %w", err)
	}
	aead, err := d.c.spec.New(subkey)
	if err != nil {
		d.failed = true
		return fmt.Errorf("init %s: %w", d.c.spec.Name, err)
	}

	d.salt = salt
	d.subkey = subkey
	d.aead = aead
	d.nonce = make([]byte, d.c.spec.NonceSize)
	d.armed = true

	d.compact(keySize)
	return nil
}

// openChunk tries to drain one chunk from the buffer. It reports whether a
// chunk was consumed. The nonce is only advanced once the whole chunk
// verified: a partial chunk leaves the counter untouched, and the length
// header is re-opened with the same stored nonce on the next attempt.
func (d *StreamDecrypter) openChunk() (bool, error) {
	tagSize := d.c.spec.TagSize
	headSize := lenFieldSize + tagSize

	if len(d.buf) <= headSize+tagSize {
		return false, nil
	}
	if d.spent {
		d.failed = true
		return false, ErrNonceExhausted
	}

	var lenField [lenFieldSize]byte
	if _, err := d.aead.Open(lenField[:0], d.nonce, d.buf[:headSize], nil); err != nil {
		d.failed = true
		return false, ErrAuthFailed
	}

	mlen := int(binary.BigEndian.Uint16(lenField[:]))
	if mlen == 0 || mlen > maxPayloadSize {
		d.failed = true
		return false, ErrAuthFailed
	}

	chunkSize := headSize + mlen + tagSize
	if len(d.buf) < chunkSize {
		// Partial chunk: the length header will be opened again with the
		// unchanged nonce once the rest arrives.
		return false, nil
	}

	if increment(d.nonce) {
		d.failed = true
		return false, ErrNonceExhausted
	}

	out, err := d.aead.Open(d.out, d.nonce, d.buf[headSize:chunkSize], nil)
	if err != nil {
		d.failed = true
		return false, ErrAuthFailed
	}
	d.out = out

	if increment(d.nonce) {
		d.spent = true
	}
	d.compact(chunkSize)
	return true, nil
}

// compact drops the first n consumed bytes of the reassembly buffer.
func (d *StreamDecrypter) compact(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// Salt returns the session salt consumed from the stream head, or nil before
// initialization.
func (d *StreamDecrypter) Salt() []byte { return d.salt }

// Buffered returns the number of unconsumed ciphertext bytes.
func (d *StreamDecrypter) Buffered() int { return len(d.buf) }

// Close wipes the session secrets. The context is unusable afterwards.
func (d *StreamDecrypter) Close() {
	wipe(d.subkey)
	wipe(d.nonce)
	wipe(d.salt)
	wipe(d.buf)
	wipe(d.out)
	d.aead = nil
	d.failed = true
}
