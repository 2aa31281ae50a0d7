// Package cipher implements the AEAD framing layer of the proxy: password
// based key derivation, per-session subkeys, the chunked TCP stream codec and
// the single-shot UDP packet codec.
//
// TCP wire format, per direction:
//
//	salt[key_len] || { enc_len[2+tag] || enc_payload[plen+tag] }*
//
// where enc_len seals a 16-bit big-endian payload length capped at 0x3FFF,
// and each chunk consumes two consecutive values of a little-endian counting
// nonce under the session subkey.
//
// UDP wire format, per datagram:
//
//	salt[key_len] || enc_payload[plen+tag]
//
// UDP packets are sealed directly under the master key with an all-zero
// nonce. Distinct datagrams under the same password therefore share a
// (key, nonce) pair; this is a known limitation of the deployed wire format
// and is kept for compatibility.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dchest/blake2b"
	tmchacha "github.com/tmthrgd/chacha20poly1305"
	"golang.org/x/crypto/chacha20poly1305"
)

// Error values surfaced by the codec. ErrNeedMore is the only non-fatal one:
// the decrypting context stays usable and wants more ciphertext. Every other
// error is terminal for the connection or datagram that produced it.
var (
	// ErrNeedMore means the decoder consumed the input but cannot emit
	// plaintext yet.
	ErrNeedMore = errors.New("cipher: need more ciphertext")

	// ErrAuthFailed means tag verification failed or the peer violated the
	// framing protocol. The stream context must be discarded.
	ErrAuthFailed = errors.New("cipher: message authentication failed")

	// ErrReplayDetected means the session salt was already observed by the
	// replay filter.
	ErrReplayDetected = errors.New("cipher: replayed salt detected")

	// ErrShortPacket means a datagram is no longer than salt plus tag, so it
	// carries no payload.
	ErrShortPacket = errors.New("cipher: packet too short")

	// ErrNonceExhausted means the per-session nonce counter wrapped. The
	// connection must be torn down rather than reuse a nonce.
	ErrNonceExhausted = errors.New("cipher: nonce counter exhausted")

	// ErrUnknownMethod is returned for cipher names outside the method table.
	ErrUnknownMethod = errors.New("cipher: unknown method")
)

// subkeyPersonal is the BLAKE2b personalization for session subkey
// derivation. The exact bytes are part of the wire format; peers with a
// different value derive incompatible subkeys.
const subkeyPersonal = "ss-subkey"

// maxPayloadSize is the largest plaintext carried by one TCP chunk. The two
// high bits of the sealed length field are reserved and must be zero.
const maxPayloadSize = 0x3FFF

// lenFieldSize is the size of the plaintext length field sealed at the head
// of each chunk.
const lenFieldSize = 2

// Spec describes one supported AEAD method.
type Spec struct {
	Name      string
	KeySize   int
	NonceSize int
	TagSize   int

	// New constructs the AEAD primitive for a key of KeySize bytes.
	New func(key []byte) (stdcipher.AEAD, error)
}

func newAESGCM(key []byte) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewGCM(block)
}

// methods maps the normalized method name to its parameters. The parameters
// are fixed by the deployed protocol.
var methods = map[string]*Spec{
	"aes-128-gcm": {Name: "aes-128-gcm", KeySize: 16, NonceSize: 12, TagSize: 16, New: newAESGCM},
	"aes-192-gcm": {Name: "aes-192-gcm", KeySize: 24, NonceSize: 12, TagSize: 16, New: newAESGCM},
	"aes-256-gcm": {Name: "aes-256-gcm", KeySize: 32, NonceSize: 12, TagSize: 16, New: newAESGCM},
	"chacha20-poly1305": {
		Name: "chacha20-poly1305", KeySize: 32, NonceSize: 8, TagSize: 16,
		New: tmchacha.NewDraft,
	},
	"chacha20-ietf-poly1305": {
		Name: "chacha20-ietf-poly1305", KeySize: 32, NonceSize: 12, TagSize: 16,
		New: chacha20poly1305.New,
	},
	"xchacha20-ietf-poly1305": {
		Name: "xchacha20-ietf-poly1305", KeySize: 32, NonceSize: 24, TagSize: 16,
		New: chacha20poly1305.NewX,
	},
}

// Methods returns the supported method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupSpec returns the parameters for a method name, or ErrUnknownMethod.
func LookupSpec(method string) (*Spec, error) {
	spec, ok := methods[strings.ToLower(strings.TrimSpace(method))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return spec, nil
}

// SaltFilter tracks session salts observed by the server so a captured
// stream or datagram cannot be replayed. Implementations must be safe for
// concurrent use.
type SaltFilter interface {
	// Check reports whether salt was seen before.
	Check(salt []byte) bool

	// Add records salt as seen.
	Add(salt []byte)
}

// Cipher binds an AEAD method to the master key derived from a password.
// It is immutable after construction and safe to share across connections.
type Cipher struct {
	spec      *Spec
	masterKey []byte

	// masterAEAD seals and opens UDP packets directly under the master key.
	masterAEAD stdcipher.AEAD
}

// New derives the master key from password and prepares the method's AEAD
// constructor.
func New(method, password string) (*Cipher, error) {
	spec, err := LookupSpec(method)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errors.New("cipher: empty password")
	}

	masterKey, err := deriveMasterKey([]byte(password), spec.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	masterAEAD, err := spec.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", spec.Name, err)
	}

	return &Cipher{
		spec:       spec,
		masterKey:  masterKey,
		masterAEAD: masterAEAD,
	}, nil
}

// Method returns the method name.
func (c *Cipher) Method() string { return c.spec.Name }

// KeySize returns the key and salt size in bytes.
func (c *Cipher) KeySize() int { return c.spec.KeySize }

// NonceSize returns the AEAD nonce size in bytes.
func (c *Cipher) NonceSize() int { return c.spec.NonceSize }

// TagSize returns the AEAD tag size in bytes.
func (c *Cipher) TagSize() int { return c.spec.TagSize }

// StreamOverhead returns the ciphertext expansion for a single-chunk stream:
// salt, sealed length field and sealed payload tag.
func (c *Cipher) StreamOverhead() int {
	return c.spec.KeySize + lenFieldSize + 2*c.spec.TagSize
}

// PacketOverhead returns the ciphertext expansion for one datagram.
func (c *Cipher) PacketOverhead() int {
	return c.spec.KeySize + c.spec.TagSize
}

// Wipe zeroes the master key. The Cipher is unusable afterwards.
func (c *Cipher) Wipe() {
	wipe(c.masterKey)
	c.masterAEAD = nil
}

// deriveMasterKey maps a password onto size key bytes with unkeyed BLAKE2b.
// Deterministic by design: both endpoints derive the same master key from
// the shared password. It is not a password hash suitable for storage.
func deriveMasterKey(password []byte, size int) ([]byte, error) {
	h, err := blake2b.New(&blake2b.Config{Size: uint8(size)})
	if err != nil {
		return nil, err
	}
	h.Write(password)
	return h.Sum(nil), nil
}

// deriveSubkey derives the per-session key from the master key and the
// session salt using keyed, salted, personalized BLAKE2b over an empty
// message. The salt input is truncated to BLAKE2b's 16 salt bytes.
func deriveSubkey(masterKey, salt []byte, size int) ([]byte, error) {
	bsalt := salt
	if len(bsalt) > blake2b.SaltSize {
		bsalt = bsalt[:blake2b.SaltSize]
	}
	h, err := blake2b.New(&blake2b.Config{
		Size:   uint8(size),
		Key:    masterKey,
		Salt:   bsalt,
		Person: []byte(subkeyPersonal),
	})
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// randomSalt draws key-size bytes from the system CSPRNG.
func (c *Cipher) randomSalt() ([]byte, error) {
	salt := make([]byte, c.spec.KeySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// increment treats b as a little-endian counter and adds one. It reports
// whether the counter wrapped back to zero.
func increment(b []byte) (wrapped bool) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return false
		}
	}
	return true
}

// wipe zeroes b.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
