package cipher

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/orf53975/fuckshadows-go/internal/replay"
)

func mustCipher(t *testing.T, method string) *Cipher {
	t.Helper()
	c, err := New(method, "test")
	if err != nil {
		t.Fatalf("New(%s) error = %v", method, err)
	}
	return c
}

func encryptAll(t *testing.T, e *StreamEncrypter, p []byte) []byte {
	t.Helper()
	out, err := e.Encrypt(p)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return append([]byte(nil), out...)
}

func TestStream_SingleChunk(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	plaintext := []byte{0x41, 0x42, 0x43}
	wire := encryptAll(t, enc, plaintext)

	// salt + sealed length field + sealed payload
	wantLen := 32 + 2 + 16 + 3 + 16
	if len(wire) != wantLen {
		t.Fatalf("ciphertext length = %d, want %d", len(wire), wantLen)
	}

	dec := c.NewStreamDecrypter(nil)
	got, err := dec.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %x, want %x", got, plaintext)
	}
}

func TestStream_SplitDelivery(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	wire := encryptAll(t, enc, []byte{0x41, 0x42, 0x43})
	if len(wire) != 69 {
		t.Fatalf("ciphertext length = %d, want 69", len(wire))
	}

	dec := c.NewStreamDecrypter(nil)

	if _, err := dec.Decrypt(wire[0:20]); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("Decrypt(first 20) error = %v, want ErrNeedMore", err)
	}
	if _, err := dec.Decrypt(wire[20:50]); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("Decrypt(next 30) error = %v, want ErrNeedMore", err)
	}
	got, err := dec.Decrypt(wire[50:69])
	if err != nil {
		t.Fatalf("Decrypt(rest) error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x41, 0x42, 0x43}) {
		t.Errorf("Decrypt() = %x, want 414243", got)
	}
}

func TestStream_MaxChunk(t *testing.T) {
	c := mustCipher(t, "chacha20-ietf-poly1305")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	plaintext := bytes.Repeat([]byte{0x55}, maxPayloadSize)
	wire := encryptAll(t, enc, plaintext)

	wantLen := 32 + 2 + 16 + maxPayloadSize + 16
	if len(wire) != wantLen {
		t.Fatalf("ciphertext length = %d, want %d", len(wire), wantLen)
	}

	dec := c.NewStreamDecrypter(nil)
	got, err := dec.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("max-size chunk did not round-trip")
	}
}

func TestStream_OversizePlaintextSplits(t *testing.T) {
	c := mustCipher(t, "aes-128-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	plaintext := make([]byte, maxPayloadSize+1000)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	wire := encryptAll(t, enc, plaintext)

	// salt + two chunks
	wantLen := 16 + (2 + 16 + maxPayloadSize + 16) + (2 + 16 + 1000 + 16)
	if len(wire) != wantLen {
		t.Fatalf("ciphertext length = %d, want %d", len(wire), wantLen)
	}

	dec := c.NewStreamDecrypter(nil)
	got, err := dec.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("multi-chunk stream did not round-trip")
	}
}

func TestStream_RoundTripAllMethods(t *testing.T) {
	for _, method := range Methods() {
		t.Run(method, func(t *testing.T) {
			c := mustCipher(t, method)

			enc, err := c.NewStreamEncrypter()
			if err != nil {
				t.Fatalf("NewStreamEncrypter() error = %v", err)
			}
			dec := c.NewStreamDecrypter(nil)

			var sent, received []byte
			for _, size := range []int{1, 7, 100, 4096, maxPayloadSize, maxPayloadSize + 3} {
				p := make([]byte, size)
				if _, err := rand.Read(p); err != nil {
					t.Fatalf("rand.Read() error = %v", err)
				}
				sent = append(sent, p...)

				wire := encryptAll(t, enc, p)
				got, err := dec.Decrypt(wire)
				if err != nil {
					t.Fatalf("Decrypt(size=%d) error = %v", size, err)
				}
				received = append(received, got...)
			}

			if !bytes.Equal(sent, received) {
				t.Error("stream did not round-trip")
			}
		})
	}
}

// Feeding the ciphertext one byte at a time exercises the partial-chunk
// path: the sealed length field is re-opened with the stored nonce on every
// attempt until the full chunk is buffered.
func TestStream_ByteAtATimeDelivery(t *testing.T) {
	c := mustCipher(t, "chacha20-poly1305")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	plaintext := []byte("attack at dawn, retreat at dusk")
	wire := encryptAll(t, enc, plaintext)

	dec := c.NewStreamDecrypter(nil)
	var got []byte
	for i, b := range wire {
		out, err := dec.Decrypt([]byte{b})
		if err != nil {
			if errors.Is(err, ErrNeedMore) {
				continue
			}
			t.Fatalf("Decrypt(byte %d) error = %v", i, err)
		}
		got = append(got, out...)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestStream_ArbitrarySplits(t *testing.T) {
	c := mustCipher(t, "aes-192-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	plaintext := make([]byte, 40000)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	// Encrypt across several calls, decrypt across misaligned ones.
	var wire []byte
	for off := 0; off < len(plaintext); {
		n := 7000
		if off+n > len(plaintext) {
			n = len(plaintext) - off
		}
		wire = append(wire, encryptAll(t, enc, plaintext[off:off+n])...)
		off += n
	}

	dec := c.NewStreamDecrypter(nil)
	var got []byte
	for off := 0; off < len(wire); {
		n := 1234
		if off+n > len(wire) {
			n = len(wire) - off
		}
		out, err := dec.Decrypt(wire[off : off+n])
		if err != nil && !errors.Is(err, ErrNeedMore) {
			t.Fatalf("Decrypt(off=%d) error = %v", off, err)
		}
		got = append(got, out...)
		off += n
	}

	if !bytes.Equal(got, plaintext) {
		t.Error("arbitrarily split stream did not round-trip")
	}
}

func TestStream_TwoChunksOneCall(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	var wire []byte
	wire = append(wire, encryptAll(t, enc, []byte("first"))...)
	wire = append(wire, encryptAll(t, enc, []byte("second"))...)

	dec := c.NewStreamDecrypter(nil)
	got, err := dec.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "firstsecond" {
		t.Errorf("Decrypt() = %q, want %q", got, "firstsecond")
	}
}

func TestStream_EmptyPlaintext(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}

	out, err := enc.Encrypt(nil)
	if err != nil {
		t.Fatalf("Encrypt(nil) error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Encrypt(nil) emitted %d bytes, want 0", len(out))
	}
	if enc.armed {
		t.Error("empty Encrypt initialized the session")
	}
}

func TestStream_EmptyCiphertext(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	dec := c.NewStreamDecrypter(nil)
	if _, err := dec.Decrypt(nil); !errors.Is(err, ErrNeedMore) {
		t.Errorf("Decrypt(nil) error = %v, want ErrNeedMore", err)
	}
}

func TestStream_TamperedCiphertext(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	wire := encryptAll(t, enc, []byte{0x41, 0x42, 0x43})

	// Flip one bit in every position past the salt; each variant must be
	// rejected and must not emit plaintext.
	for i := 32; i < len(wire); i++ {
		mutated := append([]byte(nil), wire...)
		mutated[i] ^= 0x01

		dec := c.NewStreamDecrypter(nil)
		out, err := dec.Decrypt(mutated)
		if !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("Decrypt(bit %d flipped) error = %v, want ErrAuthFailed", i, err)
		}
		if len(out) != 0 {
			t.Fatalf("Decrypt(bit %d flipped) emitted plaintext", i)
		}

		// A failed context refuses further input.
		if _, err := dec.Decrypt(wire); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("failed context accepted more input, error = %v", err)
		}
	}
}

func TestStream_TamperedSalt(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	wire := encryptAll(t, enc, []byte("payload"))

	mutated := append([]byte(nil), wire...)
	mutated[0] ^= 0x01

	dec := c.NewStreamDecrypter(nil)
	if _, err := dec.Decrypt(mutated); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt(salt flipped) error = %v, want ErrAuthFailed", err)
	}
}

// forgeLengthFrame builds a stream head whose sealed length field carries an
// arbitrary value under a correct tag.
func forgeLengthFrame(t *testing.T, c *Cipher, length uint16) []byte {
	t.Helper()

	salt := bytes.Repeat([]byte{0x5a}, c.KeySize())
	subkey, err := deriveSubkey(c.masterKey, salt, c.KeySize())
	if err != nil {
		t.Fatalf("deriveSubkey() error = %v", err)
	}
	aead, err := c.spec.New(subkey)
	if err != nil {
		t.Fatalf("spec.New() error = %v", err)
	}

	lenField := []byte{byte(length >> 8), byte(length)}
	nonce := make([]byte, c.NonceSize())

	wire := append([]byte(nil), salt...)
	wire = aead.Seal(wire, nonce, lenField, nil)
	// Enough trailing bytes that the decoder cannot stop at NeedMore
	// before inspecting the length.
	wire = append(wire, make([]byte, 64)...)
	return wire
}

func TestStream_OversizeLengthRejected(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	wire := forgeLengthFrame(t, c, 0x4000)
	dec := c.NewStreamDecrypter(nil)
	if _, err := dec.Decrypt(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt(length=0x4000) error = %v, want ErrAuthFailed", err)
	}
}

func TestStream_ZeroLengthRejected(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	wire := forgeLengthFrame(t, c, 0)
	dec := c.NewStreamDecrypter(nil)
	if _, err := dec.Decrypt(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt(length=0) error = %v, want ErrAuthFailed", err)
	}
}

func TestStream_SaltUniqueness(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		enc, err := c.NewStreamEncrypter()
		if err != nil {
			t.Fatalf("NewStreamEncrypter() error = %v", err)
		}
		key := string(enc.Salt())
		if seen[key] {
			t.Fatal("two encrypting contexts drew the same salt")
		}
		seen[key] = true
	}
}

func TestStream_ReplayRejected(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")
	filter := replay.New(1024, 1e-6)

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	wire := encryptAll(t, enc, []byte("once"))

	dec1 := c.NewStreamDecrypter(filter)
	if _, err := dec1.Decrypt(wire); err != nil {
		t.Fatalf("first Decrypt() error = %v", err)
	}

	dec2 := c.NewStreamDecrypter(filter)
	if _, err := dec2.Decrypt(wire); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("replayed Decrypt() error = %v, want ErrReplayDetected", err)
	}
}

func TestStream_NonceAccounting(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	dec := c.NewStreamDecrypter(nil)

	const chunks = 5
	for i := 0; i < chunks; i++ {
		wire := encryptAll(t, enc, []byte("chunk payload"))
		if _, err := dec.Decrypt(wire); err != nil {
			t.Fatalf("Decrypt(chunk %d) error = %v", i, err)
		}
	}

	// n chunks consume exactly 2n nonce values on each side: the counters
	// must agree and read 2n in little-endian.
	if !bytes.Equal(enc.nonce, dec.nonce) {
		t.Fatalf("nonce counters diverged: enc=%x dec=%x", enc.nonce, dec.nonce)
	}
	want := make([]byte, c.NonceSize())
	want[0] = 2 * chunks
	if !bytes.Equal(enc.nonce, want) {
		t.Errorf("nonce = %x, want %x", enc.nonce, want)
	}
}

func TestStream_CloseWipesSecrets(t *testing.T) {
	c := mustCipher(t, "aes-256-gcm")

	enc, err := c.NewStreamEncrypter()
	if err != nil {
		t.Fatalf("NewStreamEncrypter() error = %v", err)
	}
	if _, err := enc.Encrypt([]byte("prime the session")); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	subkey := enc.subkey
	enc.Close()
	for _, b := range subkey {
		if b != 0 {
			t.Fatal("subkey not zeroed after Close")
		}
	}
	if _, err := enc.Encrypt([]byte("more")); !errors.Is(err, ErrNonceExhausted) {
		t.Errorf("closed encrypter accepted input, error = %v", err)
	}
}

func BenchmarkStreamEncrypt(b *testing.B) {
	c, err := New("chacha20-ietf-poly1305", "bench")
	if err != nil {
		b.Fatal(err)
	}
	enc, err := c.NewStreamEncrypter()
	if err != nil {
		b.Fatal(err)
	}
	payload := make([]byte, maxPayloadSize)

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Encrypt(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStreamDecrypt(b *testing.B) {
	c, err := New("chacha20-ietf-poly1305", "bench")
	if err != nil {
		b.Fatal(err)
	}
	enc, err := c.NewStreamEncrypter()
	if err != nil {
		b.Fatal(err)
	}
	dec := c.NewStreamDecrypter(nil)
	payload := make([]byte, maxPayloadSize)
	wire, err := enc.Encrypt(payload)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := dec.Decrypt(wire); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wire, err := enc.Encrypt(payload)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := dec.Decrypt(wire); err != nil {
			b.Fatal(err)
		}
	}
}
