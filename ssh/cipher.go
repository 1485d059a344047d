// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// maxPacket bounds the accepted packet length field. RFC 4253 section
	// 6.1 requires support for 32768 byte packets; implementations commonly
	// accept more.
	maxPacket = 256 * 1024

	// packetSizeMultiple is the alignment for padded packet lengths.
	packetSizeMultiple = 16

	gcmTagSize   = 16
	gcmNonceSize = 12
)

// packetCipher decrypts and encrypts one direction of a connection.
//
// readPacket consumes bytes from buf and returns the packet payload together
// with true once a complete packet is available. When more bytes are needed
// it returns (nil, false, nil) and must be called again, with the same
// sequence number, after more data has been appended to buf. Partial state
// spanning calls is kept inside the cipher so that stream and AEAD
// primitives never process the same ciphertext twice.
//
// The payload slice is only valid until the next call.
type packetCipher interface {
	readPacket(seqNum uint32, buf *readBuffer) (payload []byte, complete bool, err error)
	writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error
}

type cipherMode struct {
	keySize int
	ivSize  int
	create  func(key, iv, macKey []byte, algs directionAlgorithms) (packetCipher, error)
}

var cipherModes = map[string]*cipherMode{
	cipherAES128CTR: {16, aes.BlockSize, newCTRCipher},
	cipherAES192CTR: {24, aes.BlockSize, newCTRCipher},
	cipherAES256CTR: {32, aes.BlockSize, newCTRCipher},

	cipherAES128GCM: {16, gcmNonceSize, newGCMCipher},
	cipherAES256GCM: {32, gcmNonceSize, newGCMCipher},

	cipherChaCha20Poly1305: {64, 0, newChaCha20Cipher},

	cipherNone: {0, 0, newNoneCipher},
}

// streamPacketCipher is a CTR mode cipher with a separate HMAC. It also
// serves the "none" cipher through the noneStream transform.
type streamPacketCipher struct {
	blockSize int
	cipher    cipher.Stream
	mac       hash.Hash
	etm       bool

	// read state carried across partial deliveries
	haveLength bool
	length     uint32
	prefix     [aes.BlockSize]byte

	seqNumBytes [4]byte
	macResult   []byte
	writeBuf    []byte
}

func newCTRCipher(key, iv, macKey []byte, algs directionAlgorithms) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	mode := macModes[algs.MAC]
	return &streamPacketCipher{
		blockSize: aes.BlockSize,
		cipher:    cipher.NewCTR(block, iv),
		mac:       mode.new(macKey),
		etm:       mode.etm,
	}, nil
}

// noneStream passes bytes through unchanged.
type noneStream struct{}

func (noneStream) XORKeyStream(dst, src []byte) {
	copy(dst, src)
}

func newNoneCipher(key, iv, macKey []byte, algs directionAlgorithms) (packetCipher, error) {
	c := &streamPacketCipher{
		blockSize: 8,
		cipher:    noneStream{},
	}
	if algs.MAC != "" {
		mode := macModes[algs.MAC]
		c.mac = mode.new(macKey)
		c.etm = mode.etm
	}
	return c, nil
}

func (c *streamPacketCipher) macSize() int {
	if c.mac == nil {
		return 0
	}
	return c.mac.Size()
}

// checkLength validates a freshly decoded packet length field. Bad lengths
// fail immediately rather than waiting for the rest of the packet.
func (c *streamPacketCipher) checkLength() error {
	if c.length < 5 || c.length > maxPacket {
		return framingErrorf("invalid packet length %d", c.length)
	}
	if !c.etm && (c.length+4)%uint32(c.blockSize) != 0 {
		return framingErrorf("packet length %d not aligned to cipher block", c.length)
	}
	return nil
}

func (c *streamPacketCipher) readPacket(seqNum uint32, buf *readBuffer) ([]byte, bool, error) {
	if c.etm {
		return c.readPacketETM(seqNum, buf)
	}

	if !c.haveLength {
		if buf.avail() < c.blockSize {
			return nil, false, nil
		}
		c.cipher.XORKeyStream(c.prefix[:c.blockSize], buf.next(c.blockSize))
		c.length = binary.BigEndian.Uint32(c.prefix[:4])
		if err := c.checkLength(); err != nil {
			return nil, false, err
		}
		c.haveLength = true
	}

	remaining := int(c.length) + 4 - c.blockSize
	if buf.avail() < remaining+c.macSize() {
		return nil, false, nil
	}
	c.haveLength = false

	data := make([]byte, int(c.length)+4)
	copy(data, c.prefix[:c.blockSize])
	c.cipher.XORKeyStream(data[c.blockSize:], buf.next(remaining))

	if c.mac != nil {
		c.mac.Reset()
		binary.BigEndian.PutUint32(c.seqNumBytes[:], seqNum)
		c.mac.Write(c.seqNumBytes[:])
		c.mac.Write(data)
		c.macResult = c.mac.Sum(c.macResult[:0])
		if !hmac.Equal(c.macResult, buf.next(c.macSize())) {
			return nil, false, &IntegrityError{Message: "MAC failure"}
		}
	}

	paddingLength := uint32(data[4])
	if paddingLength < 4 || paddingLength >= c.length {
		return nil, false, framingErrorf("invalid padding length %d", paddingLength)
	}

	return data[5 : int(c.length)+4-int(paddingLength)], true, nil
}

func (c *streamPacketCipher) readPacketETM(seqNum uint32, buf *readBuffer) ([]byte, bool, error) {
	if !c.haveLength {
		if buf.avail() < 4 {
			return nil, false, nil
		}
		copy(c.prefix[:4], buf.next(4))
		c.length = binary.BigEndian.Uint32(c.prefix[:4])
		if err := c.checkLength(); err != nil {
			return nil, false, err
		}
		c.haveLength = true
	}

	if buf.avail() < int(c.length)+c.macSize() {
		return nil, false, nil
	}
	c.haveLength = false

	data := buf.next(int(c.length))

	// Authenticate before decrypting.
	c.mac.Reset()
	binary.BigEndian.PutUint32(c.seqNumBytes[:], seqNum)
	c.mac.Write(c.seqNumBytes[:])
	c.mac.Write(c.prefix[:4])
	c.mac.Write(data)
	c.macResult = c.mac.Sum(c.macResult[:0])
	if !hmac.Equal(c.macResult, buf.next(c.macSize())) {
		return nil, false, &IntegrityError{Message: "MAC failure"}
	}

	plain := make([]byte, len(data))
	c.cipher.XORKeyStream(plain, data)

	paddingLength := uint32(plain[0])
	if paddingLength < 4 || paddingLength >= c.length {
		return nil, false, framingErrorf("invalid padding length %d", paddingLength)
	}

	return plain[1 : int(c.length)-int(paddingLength)], true, nil
}

func (c *streamPacketCipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error {
	if len(payload) > maxPacket {
		return framingErrorf("packet too large")
	}

	aligned := c.blockSize
	if aligned < packetSizeMultiple {
		aligned = packetSizeMultiple
	}

	// In etm mode the length field is unencrypted and excluded from the
	// padding calculation.
	prefixed := 5 + len(payload)
	if c.etm {
		prefixed = 1 + len(payload)
	}
	paddingLength := aligned - prefixed%aligned
	if paddingLength < 4 {
		paddingLength += aligned
	}

	length := 1 + len(payload) + paddingLength

	buf := c.writeBuf[:0]
	buf = appendU32(buf, uint32(length))
	buf = append(buf, byte(paddingLength))
	buf = append(buf, payload...)
	padStart := len(buf)
	buf = append(buf, make([]byte, paddingLength)...)
	if _, err := io.ReadFull(rand, buf[padStart:]); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(c.seqNumBytes[:], seqNum)

	if c.etm {
		c.cipher.XORKeyStream(buf[4:], buf[4:])
		c.mac.Reset()
		c.mac.Write(c.seqNumBytes[:])
		c.mac.Write(buf)
		buf = c.mac.Sum(buf)
	} else {
		if c.mac != nil {
			c.mac.Reset()
			c.mac.Write(c.seqNumBytes[:])
			c.mac.Write(buf)
			c.macResult = c.mac.Sum(c.macResult[:0])
		}
		c.cipher.XORKeyStream(buf, buf)
		if c.mac != nil {
			buf = append(buf, c.macResult...)
		}
	}

	c.writeBuf = buf
	_, err := w.Write(buf)
	return err
}

// gcmCipher implements aes128-gcm@openssh.com and aes256-gcm@openssh.com,
// per RFC 5647 as modified by OpenSSH's PROTOCOL document.
type gcmCipher struct {
	aead cipher.AEAD
	iv   [gcmNonceSize]byte

	haveLength  bool
	length      uint32
	lengthBytes [4]byte

	writeBuf []byte
}

func newGCMCipher(key, iv, macKey []byte, algs directionAlgorithms) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c := &gcmCipher{aead: aead}
	copy(c.iv[:], iv)
	return c, nil
}

// incIV advances the invocation counter in the trailing eight bytes of the
// nonce.
func (c *gcmCipher) incIV() {
	for i := gcmNonceSize - 1; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) readPacket(seqNum uint32, buf *readBuffer) ([]byte, bool, error) {
	if !c.haveLength {
		if buf.avail() < 4 {
			return nil, false, nil
		}
		copy(c.lengthBytes[:], buf.next(4))
		c.length = binary.BigEndian.Uint32(c.lengthBytes[:])
		if c.length < 5 || c.length > maxPacket {
			return nil, false, framingErrorf("invalid packet length %d", c.length)
		}
		c.haveLength = true
	}

	if buf.avail() < int(c.length)+gcmTagSize {
		return nil, false, nil
	}
	c.haveLength = false

	ciphertext := buf.next(int(c.length) + gcmTagSize)
	plain, err := c.aead.Open(ciphertext[:0], c.iv[:], ciphertext, c.lengthBytes[:])
	if err != nil {
		return nil, false, &IntegrityError{Message: "AEAD open failed"}
	}
	c.incIV()

	paddingLength := uint32(plain[0])
	if paddingLength < 4 || paddingLength >= c.length {
		return nil, false, framingErrorf("invalid padding length %d", paddingLength)
	}

	return plain[1 : int(c.length)-int(paddingLength)], true, nil
}

func (c *gcmCipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error {
	if len(payload) > maxPacket {
		return framingErrorf("packet too large")
	}

	paddingLength := packetSizeMultiple - (1+len(payload))%packetSizeMultiple
	if paddingLength < 4 {
		paddingLength += packetSizeMultiple
	}

	length := 1 + len(payload) + paddingLength

	buf := c.writeBuf[:0]
	buf = appendU32(buf, uint32(length))
	buf = append(buf, byte(paddingLength))
	buf = append(buf, payload...)
	padStart := len(buf)
	buf = append(buf, make([]byte, paddingLength)...)
	if _, err := io.ReadFull(rand, buf[padStart:]); err != nil {
		return err
	}

	buf = c.aead.Seal(buf[:4], c.iv[:], buf[4:], buf[:4])
	c.incIV()

	c.writeBuf = buf
	_, err := w.Write(buf)
	return err
}

// chacha20Poly1305Cipher implements chacha20-poly1305@openssh.com, per
// OpenSSH's PROTOCOL.chacha20poly1305. The derived 64 byte key splits into a
// content key and a length key; the packet sequence number serves as the
// nonce for both.
type chacha20Poly1305Cipher struct {
	contentKey [32]byte
	lengthKey  [32]byte

	haveLength  bool
	length      uint32
	lengthBytes [4]byte

	writeBuf []byte
}

func newChaCha20Cipher(key, iv, macKey []byte, algs directionAlgorithms) (packetCipher, error) {
	c := &chacha20Poly1305Cipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func chachaNonce(seqNum uint32) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], uint64(seqNum))
	return nonce
}

func (c *chacha20Poly1305Cipher) readPacket(seqNum uint32, buf *readBuffer) ([]byte, bool, error) {
	nonce := chachaNonce(seqNum)

	if !c.haveLength {
		if buf.avail() < 4 {
			return nil, false, nil
		}
		copy(c.lengthBytes[:], buf.next(4))

		var lenPlain [4]byte
		s, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce[:])
		if err != nil {
			return nil, false, err
		}
		s.XORKeyStream(lenPlain[:], c.lengthBytes[:])
		c.length = binary.BigEndian.Uint32(lenPlain[:])
		if c.length < 5 || c.length > maxPacket {
			return nil, false, framingErrorf("invalid packet length %d", c.length)
		}
		c.haveLength = true
	}

	if buf.avail() < int(c.length)+poly1305.TagSize {
		return nil, false, nil
	}
	c.haveLength = false

	ciphertext := buf.next(int(c.length))
	var tag [poly1305.TagSize]byte
	copy(tag[:], buf.next(poly1305.TagSize))

	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce[:])
	if err != nil {
		return nil, false, err
	}
	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])

	authed := make([]byte, 0, 4+len(ciphertext))
	authed = append(authed, c.lengthBytes[:]...)
	authed = append(authed, ciphertext...)
	if !poly1305.Verify(&tag, authed, &polyKey) {
		return nil, false, &IntegrityError{Message: "poly1305 tag failure"}
	}

	plain := make([]byte, len(ciphertext))
	s.SetCounter(1)
	s.XORKeyStream(plain, ciphertext)

	paddingLength := uint32(plain[0])
	if paddingLength < 4 || paddingLength >= c.length {
		return nil, false, framingErrorf("invalid padding length %d", paddingLength)
	}

	return plain[1 : int(c.length)-int(paddingLength)], true, nil
}

func (c *chacha20Poly1305Cipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, payload []byte) error {
	if len(payload) > maxPacket {
		return framingErrorf("packet too large")
	}

	nonce := chachaNonce(seqNum)

	paddingLength := packetSizeMultiple - (1+len(payload))%packetSizeMultiple
	if paddingLength < 4 {
		paddingLength += packetSizeMultiple
	}

	length := 1 + len(payload) + paddingLength

	buf := c.writeBuf[:0]
	buf = appendU32(buf, uint32(length))
	buf = append(buf, byte(paddingLength))
	buf = append(buf, payload...)
	padStart := len(buf)
	buf = append(buf, make([]byte, paddingLength)...)
	if _, err := io.ReadFull(rand, buf[padStart:]); err != nil {
		return err
	}

	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce[:])
	if err != nil {
		return err
	}
	ls.XORKeyStream(buf[:4], buf[:4])

	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce[:])
	if err != nil {
		return err
	}
	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])
	s.SetCounter(1)
	s.XORKeyStream(buf[4:], buf[4:])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, buf, &polyKey)
	buf = append(buf, tag[:]...)

	c.writeBuf = buf
	_, err = w.Write(buf)
	return err
}
