package nbsftp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

// maxPacket is the largest binary packet accepted from the server, RFC 4253 section 6.1
// requires at least 35000.
const maxPacket = 256 * 1024

// packetCipher frames, encrypts and authenticates binary packets for one direction.
type packetCipher interface {
	// seal returns the wire form of payload for sequence number seq.
	seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error)

	// open decodes the first packet in src.
	// A zero consumed count with a nil error means src does not hold a whole packet yet.
	// The returned payload never aliases src.
	open(seq uint32, src []byte) (payload []byte, consumed int, err error)
}

// paddingLength returns the random padding length for a packet whose framed portion
// (everything covered by the block alignment) is n bytes long.
func paddingLength(n, blockSize int) int {
	p := blockSize - n%blockSize
	if p < 4 {
		p += blockSize
	}
	return p
}

func readPadding(rand io.Reader, b []byte) error {
	_, err := io.ReadFull(rand, b)
	return err
}

// checkLength validates a decoded packet_length field.
func checkLength(length uint32, blockSize int, withLength bool) error {
	if length > maxPacket {
		return fmt.Errorf("packet too large: %d", length)
	}

	if length < 5 {
		return fmt.Errorf("packet too small: %d", length)
	}

	n := int(length)
	if withLength {
		n += 4
	}

	if n%blockSize != 0 {
		return fmt.Errorf("packet length %d not a multiple of the block size %d", length, blockSize)
	}

	return nil
}

// unpad strips the padding_length byte, and the padding itself, from plain.
func unpad(plain []byte) ([]byte, error) {
	if len(plain) < 1 {
		return nil, fmt.Errorf("empty packet")
	}

	padding := int(plain[0])
	if padding < 4 || padding+1 > len(plain) {
		return nil, fmt.Errorf("invalid padding length %d", padding)
	}

	return plain[1 : len(plain)-padding], nil
}

// noneCipher is the cleartext framing in force before the first NEWKEYS.
type noneCipher struct{}

func (noneCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	padding := paddingLength(4+1+len(payload), 8)
	length := 1 + len(payload) + padding

	out := make([]byte, 4+length)
	binary.BigEndian.PutUint32(out, uint32(length))
	out[4] = byte(padding)
	copy(out[5:], payload)

	if err := readPadding(rand, out[5+len(payload):]); err != nil {
		return nil, err
	}

	return out, nil
}

func (noneCipher) open(seq uint32, src []byte) ([]byte, int, error) {
	if len(src) < 4 {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(src)
	if err := checkLength(length, 1, true); err != nil {
		return nil, 0, err
	}

	total := 4 + int(length)
	if len(src) < total {
		return nil, 0, nil
	}

	payload, err := unpad(src[4:total])
	if err != nil {
		return nil, 0, err
	}

	return append([]byte(nil), payload...), total, nil
}

// macMode describes an HMAC algorithm.
type macMode struct {
	keySize int
	etm     bool
	newHash func() hash.Hash
}

var macModes = map[string]macMode{
	MACSHA256ETM: {32, true, sha256.New},
	MACSHA512ETM: {64, true, sha512.New},
	MACSHA256:    {32, false, sha256.New},
	MACSHA512:    {64, false, sha512.New},
	MACSHA1:      {20, false, sha1.New},
}

// cipherMode describes a cipher and how to build one direction of it.
type cipherMode struct {
	keySize int
	ivSize  int
	create  func(key, iv []byte, mac hash.Hash, etm bool) (packetCipher, error)
}

var cipherModes = map[string]cipherMode{
	CipherAES128GCM: {16, 12, newGCMCipher},
	CipherAES256GCM: {32, 12, newGCMCipher},
	CipherAES128CTR: {16, aes.BlockSize, newCTRCipher},
	CipherAES192CTR: {24, aes.BlockSize, newCTRCipher},
	CipherAES256CTR: {32, aes.BlockSize, newCTRCipher},
}

// ctrCipher is AES-CTR with an HMAC, either over the plaintext (RFC 4253)
// or over the ciphertext (OpenSSH encrypt-then-MAC).
type ctrCipher struct {
	stream cipher.Stream
	mac    hash.Hash
	etm    bool

	seqBuf [4]byte

	// first holds the decrypted first block of a packet that has not fully arrived.
	first []byte
}

func newCTRCipher(key, iv []byte, mac hash.Hash, etm bool) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &ctrCipher{
		stream: cipher.NewCTR(block, iv),
		mac:    mac,
		etm:    etm,
	}, nil
}

func (c *ctrCipher) sum(seq uint32, parts ...[]byte) []byte {
	c.mac.Reset()

	binary.BigEndian.PutUint32(c.seqBuf[:], seq)
	c.mac.Write(c.seqBuf[:])

	for _, p := range parts {
		c.mac.Write(p)
	}

	return c.mac.Sum(nil)
}

func (c *ctrCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	aligned := 4 + 1 + len(payload)
	if c.etm {
		aligned = 1 + len(payload)
	}

	padding := paddingLength(aligned, aes.BlockSize)
	length := 1 + len(payload) + padding

	out := make([]byte, 4+length, 4+length+c.mac.Size())
	binary.BigEndian.PutUint32(out, uint32(length))
	out[4] = byte(padding)
	copy(out[5:], payload)

	if err := readPadding(rand, out[5+len(payload):]); err != nil {
		return nil, err
	}

	if c.etm {
		c.stream.XORKeyStream(out[4:], out[4:])
		return append(out, c.sum(seq, out)...), nil
	}

	mac := c.sum(seq, out)
	c.stream.XORKeyStream(out, out)
	return append(out, mac...), nil
}

func (c *ctrCipher) open(seq uint32, src []byte) ([]byte, int, error) {
	if c.etm {
		return c.openETM(seq, src)
	}

	const bs = aes.BlockSize

	if c.first == nil {
		if len(src) < bs {
			return nil, 0, nil
		}

		c.first = make([]byte, bs)
		c.stream.XORKeyStream(c.first, src[:bs])
	}

	length := binary.BigEndian.Uint32(c.first)
	if err := checkLength(length, bs, true); err != nil {
		return nil, 0, err
	}

	end := 4 + int(length)
	total := end + c.mac.Size()
	if len(src) < total {
		return nil, 0, nil
	}

	plain := make([]byte, end)
	copy(plain, c.first)
	c.stream.XORKeyStream(plain[bs:], src[bs:end])
	c.first = nil

	if !hmac.Equal(c.sum(seq, plain), src[end:total]) {
		return nil, 0, fmt.Errorf("mac mismatch")
	}

	payload, err := unpad(plain[4:])
	if err != nil {
		return nil, 0, err
	}

	return payload, total, nil
}

func (c *ctrCipher) openETM(seq uint32, src []byte) ([]byte, int, error) {
	if len(src) < 4 {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(src)
	if err := checkLength(length, aes.BlockSize, false); err != nil {
		return nil, 0, err
	}

	end := 4 + int(length)
	total := end + c.mac.Size()
	if len(src) < total {
		return nil, 0, nil
	}

	if !hmac.Equal(c.sum(seq, src[:end]), src[end:total]) {
		return nil, 0, fmt.Errorf("mac mismatch")
	}

	plain := make([]byte, length)
	c.stream.XORKeyStream(plain, src[4:end])

	payload, err := unpad(plain)
	if err != nil {
		return nil, 0, err
	}

	return payload, total, nil
}

// gcmCipher is AES-GCM as specified for OpenSSH, RFC 5647 with the length in the clear.
type gcmCipher struct {
	aead cipher.AEAD
	iv   []byte
}

func newGCMCipher(key, iv []byte, _ hash.Hash, _ bool) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &gcmCipher{
		aead: aead,
		iv:   append([]byte(nil), iv...),
	}, nil
}

// incIV increments the 64-bit invocation counter in the last eight bytes of the nonce.
func (c *gcmCipher) incIV() {
	for i := 4 + 7; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	padding := paddingLength(1+len(payload), aes.BlockSize)
	length := 1 + len(payload) + padding

	plain := make([]byte, length)
	plain[0] = byte(padding)
	copy(plain[1:], payload)

	if err := readPadding(rand, plain[1+len(payload):]); err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+length+c.aead.Overhead())
	binary.BigEndian.PutUint32(out, uint32(length))

	out = c.aead.Seal(out, c.iv, plain, out[:4])
	c.incIV()

	return out, nil
}

func (c *gcmCipher) open(seq uint32, src []byte) ([]byte, int, error) {
	if len(src) < 4 {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(src)
	if err := checkLength(length, aes.BlockSize, false); err != nil {
		return nil, 0, err
	}

	total := 4 + int(length) + c.aead.Overhead()
	if len(src) < total {
		return nil, 0, nil
	}

	plain, err := c.aead.Open(nil, c.iv, src[4:total], src[:4])
	if err != nil {
		return nil, 0, err
	}
	c.incIV()

	payload, err := unpad(plain)
	if err != nil {
		return nil, 0, err
	}

	return payload, total, nil
}

// newPacketCipher builds one direction of the negotiated cipher and MAC.
func newPacketCipher(cipherName, macName string, key, iv, macKey []byte) (packetCipher, error) {
	mode, ok := cipherModes[cipherName]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher %q", cipherName)
	}

	if isAEAD(cipherName) {
		return mode.create(key, iv, nil, false)
	}

	mm, ok := macModes[macName]
	if !ok {
		return nil, fmt.Errorf("unsupported mac %q", macName)
	}

	return mode.create(key, iv, hmac.New(mm.newHash, macKey), mm.etm)
}
