package cipher

// UDP datagrams are self-contained crypto units: a fresh random salt
// followed by the payload sealed under the master key with an all-zero
// nonce. The salt does not diversify the key here; it exists so the server
// can reject replayed datagrams.

// SealPacket encrypts one datagram. The result is appended to dst and
// returned; pass nil to allocate. Each call draws a fresh salt.
func (c *Cipher) SealPacket(dst, payload []byte) ([]byte, error) {
	salt, err := c.randomSalt()
	if err != nil {
		return nil, err
	}

	zeroNonce := make([]byte, c.spec.NonceSize)
	dst = append(dst, salt...)
	dst = c.masterAEAD.Seal(dst, zeroNonce, payload, nil)
	return dst, nil
}

// OpenPacket decrypts one datagram. A non-nil filter enables server-side
// replay rejection: the check runs before any AEAD work so a flood of
// replayed datagrams cannot buy CPU time, and the salt is only recorded
// after the tag verified so a forgery cannot poison the filter.
//
// The plaintext is appended to dst and returned; pass nil to allocate.
func (c *Cipher) OpenPacket(dst, pkt []byte, filter SaltFilter) ([]byte, error) {
	keySize := c.spec.KeySize
	if len(pkt) <= keySize+c.spec.TagSize {
		return nil, ErrShortPacket
	}

	salt := pkt[:keySize]
	if filter != nil && filter.Check(salt) {
		return nil, ErrReplayDetected
	}

	zeroNonce := make([]byte, c.spec.NonceSize)
	out, err := c.masterAEAD.Open(dst, zeroNonce, pkt[keySize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if filter != nil {
		filter.Add(salt)
	}
	return out, nil
}
