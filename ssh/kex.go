// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// kexResult captures the outcome of a completed key exchange.
type kexResult struct {
	// H is the exchange hash. The first H of a connection becomes the
	// session identifier.
	H []byte

	// K is the shared secret.
	K *big.Int

	// HostKey is the server's host key blob, as sent on the wire.
	HostKey []byte

	// Signature is the server's signature over H.
	Signature []byte

	// Hash is the digest negotiated for this exchange, also used for key
	// derivation.
	Hash crypto.Hash

	// SessionID is filled in by the transport before key derivation.
	SessionID []byte
}

// kexSession runs the client side of one key exchange, one message at a
// time. start returns the packets that initiate the exchange; handle
// processes each server message in the method-specific range and returns any
// packets to send in response. Once handle reports done, result is valid.
type kexSession interface {
	start(rand io.Reader) ([][]byte, error)
	handle(payload []byte) (done bool, out [][]byte, err error)
	result() *kexResult
}

func newKexSession(algo string, magics *handshakeMagics) (kexSession, error) {
	switch algo {
	case kexAlgoDH1SHA1:
		return &dhGroupSession{group: dhGroup1, hash: crypto.SHA1, magics: magics}, nil
	case kexAlgoDH14SHA1:
		return &dhGroupSession{group: dhGroup14, hash: crypto.SHA1, magics: magics}, nil
	case kexAlgoDH14SHA256:
		return &dhGroupSession{group: dhGroup14, hash: crypto.SHA256, magics: magics}, nil
	case kexAlgoDH16SHA512:
		return &dhGroupSession{group: dhGroup16, hash: crypto.SHA512, magics: magics}, nil
	case kexAlgoDHGEXSHA1:
		return &dhGEXSession{hash: crypto.SHA1, magics: magics}, nil
	case kexAlgoDHGEXSHA256:
		return &dhGEXSession{hash: crypto.SHA256, magics: magics}, nil
	case kexAlgoECDH256:
		return &ecdhSession{curve: elliptic.P256(), magics: magics}, nil
	case kexAlgoECDH384:
		return &ecdhSession{curve: elliptic.P384(), magics: magics}, nil
	case kexAlgoECDH521:
		return &ecdhSession{curve: elliptic.P521(), magics: magics}, nil
	case kexAlgoCurve25519SHA256, kexAlgoCurve25519LibSSH:
		return &curve25519Session{magics: magics}, nil
	}
	return nil, &NegotiationError{Category: "key exchange", ClientList: []string{algo}}
}

// dhGroup is a multiplicative group suitable for Diffie-Hellman key
// agreement.
type dhGroup struct {
	g, p, pMinus1 *big.Int
}

func (group *dhGroup) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if theirPublic.Cmp(bigOne) <= 0 || theirPublic.Cmp(group.pMinus1) >= 0 {
		return nil, framingErrorf("DH parameter out of bounds")
	}
	return new(big.Int).Exp(theirPublic, myPrivate, group.p), nil
}

// dhGroupSession implements the diffie-hellman-groupN exchanges from RFC
// 4253 section 8 and RFC 8268.
type dhGroupSession struct {
	group  *dhGroup
	hash   crypto.Hash
	magics *handshakeMagics

	x, pub *big.Int
	res    *kexResult
}

func (s *dhGroupSession) start(randSource io.Reader) ([][]byte, error) {
	var x *big.Int
	for {
		var err error
		if x, err = rand.Int(randSource, s.group.pMinus1); err != nil {
			return nil, err
		}
		if x.Sign() > 0 {
			break
		}
	}
	s.x = x
	s.pub = new(big.Int).Exp(s.group.g, x, s.group.p)

	return [][]byte{marshal(&kexDHInitMsg{X: s.pub})}, nil
}

func (s *dhGroupSession) handle(payload []byte) (bool, [][]byte, error) {
	var reply kexDHReplyMsg
	if err := unmarshal(&reply, payload); err != nil {
		return false, nil, err
	}

	ki, err := s.group.diffieHellman(reply.Y, s.x)
	if err != nil {
		return false, nil, err
	}

	h := s.hash.New()
	s.magics.write(h)
	writeString(h, reply.HostKey)
	writeInt(h, s.pub)
	writeInt(h, reply.Y)
	writeInt(h, ki)

	s.res = &kexResult{
		H:         h.Sum(nil),
		K:         ki,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      s.hash,
	}
	return true, nil, nil
}

func (s *dhGroupSession) result() *kexResult { return s.res }

const (
	dhGroupExchangeMinimumBits   = 2048
	dhGroupExchangePreferredBits = 2048
	dhGroupExchangeMaximumBits   = 8192
)

// dhGEXSession implements diffie-hellman-group-exchange from RFC 4419. It is
// the one multi-stage exchange: the group request elicits the modulus and
// generator before the regular DH round trip.
type dhGEXSession struct {
	hash   crypto.Hash
	magics *handshakeMagics

	randSource io.Reader
	group      *dhGroup
	x, pub     *big.Int
	res        *kexResult
}

func (s *dhGEXSession) start(randSource io.Reader) ([][]byte, error) {
	s.randSource = randSource
	request := kexDHGexRequestMsg{
		MinBits:      dhGroupExchangeMinimumBits,
		PreferedBits: dhGroupExchangePreferredBits,
		MaxBits:      dhGroupExchangeMaximumBits,
	}
	return [][]byte{marshal(&request)}, nil
}

func (s *dhGEXSession) handle(payload []byte) (bool, [][]byte, error) {
	if len(payload) == 0 {
		return false, nil, framingErrorf("empty key exchange message")
	}

	if s.group == nil {
		if payload[0] != msgKexDHGexGroup {
			return false, nil, framingErrorf("expected group message, got type %d", payload[0])
		}
		var groupMsg kexDHGexGroupMsg
		if err := unmarshal(&groupMsg, payload); err != nil {
			return false, nil, err
		}
		if groupMsg.P.BitLen() < dhGroupExchangeMinimumBits || groupMsg.P.BitLen() > dhGroupExchangeMaximumBits {
			return false, nil, framingErrorf("server-selected group is out of range: %d bits", groupMsg.P.BitLen())
		}
		s.group = &dhGroup{
			g:       groupMsg.G,
			p:       groupMsg.P,
			pMinus1: new(big.Int).Sub(groupMsg.P, bigOne),
		}

		var x *big.Int
		for {
			var err error
			if x, err = rand.Int(s.randSource, s.group.pMinus1); err != nil {
				return false, nil, err
			}
			if x.Sign() > 0 {
				break
			}
		}
		s.x = x
		s.pub = new(big.Int).Exp(s.group.g, x, s.group.p)

		return false, [][]byte{marshal(&kexDHGexInitMsg{X: s.pub})}, nil
	}

	if payload[0] != msgKexDHGexReply {
		return false, nil, framingErrorf("expected group exchange reply, got type %d", payload[0])
	}
	var reply kexDHGexReplyMsg
	if err := unmarshal(&reply, payload); err != nil {
		return false, nil, err
	}

	ki, err := s.group.diffieHellman(reply.Y, s.x)
	if err != nil {
		return false, nil, err
	}

	h := s.hash.New()
	s.magics.write(h)
	writeString(h, reply.HostKey)
	binary.Write(h, binary.BigEndian, uint32(dhGroupExchangeMinimumBits))
	binary.Write(h, binary.BigEndian, uint32(dhGroupExchangePreferredBits))
	binary.Write(h, binary.BigEndian, uint32(dhGroupExchangeMaximumBits))
	writeInt(h, s.group.p)
	writeInt(h, s.group.g)
	writeInt(h, s.pub)
	writeInt(h, reply.Y)
	writeInt(h, ki)

	s.res = &kexResult{
		H:         h.Sum(nil),
		K:         ki,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      s.hash,
	}
	return true, nil, nil
}

func (s *dhGEXSession) result() *kexResult { return s.res }

// ecdhSession implements ecdh-sha2-nistp{256,384,521} from RFC 5656.
type ecdhSession struct {
	curve  elliptic.Curve
	magics *handshakeMagics

	priv []byte
	pub  []byte
	res  *kexResult
}

func (s *ecdhSession) start(randSource io.Reader) ([][]byte, error) {
	priv, x, y, err := elliptic.GenerateKey(s.curve, randSource)
	if err != nil {
		return nil, err
	}
	s.priv = priv
	s.pub = elliptic.Marshal(s.curve, x, y)

	return [][]byte{marshal(&kexECDHInitMsg{ClientPubKey: s.pub})}, nil
}

func (s *ecdhSession) handle(payload []byte) (bool, [][]byte, error) {
	var reply kexECDHReplyMsg
	if err := unmarshal(&reply, payload); err != nil {
		return false, nil, err
	}

	x, y := elliptic.Unmarshal(s.curve, reply.EphemeralPubKey)
	if x == nil {
		return false, nil, framingErrorf("invalid server ECDH public key")
	}

	secretX, _ := s.curve.ScalarMult(x, y, s.priv)
	ki := new(big.Int).Set(secretX)

	h := ecHash(s.curve).New()
	s.magics.write(h)
	writeString(h, reply.HostKey)
	writeString(h, s.pub)
	writeString(h, reply.EphemeralPubKey)
	writeInt(h, ki)

	s.res = &kexResult{
		H:         h.Sum(nil),
		K:         ki,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      ecHash(s.curve),
	}
	return true, nil, nil
}

func (s *ecdhSession) result() *kexResult { return s.res }

// ecHash returns the hash to match the curve, per RFC 5656 section 6.2.1.
func ecHash(curve elliptic.Curve) crypto.Hash {
	bitSize := curve.Params().BitSize
	switch {
	case bitSize <= 256:
		return crypto.SHA256
	case bitSize <= 384:
		return crypto.SHA384
	}
	return crypto.SHA512
}

// curve25519Session implements curve25519-sha256 from RFC 8731.
type curve25519Session struct {
	magics *handshakeMagics

	priv [32]byte
	pub  []byte
	res  *kexResult
}

func (s *curve25519Session) start(randSource io.Reader) ([][]byte, error) {
	if _, err := io.ReadFull(randSource, s.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(s.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	s.pub = pub

	return [][]byte{marshal(&kexECDHInitMsg{ClientPubKey: s.pub})}, nil
}

func (s *curve25519Session) handle(payload []byte) (bool, [][]byte, error) {
	var reply kexECDHReplyMsg
	if err := unmarshal(&reply, payload); err != nil {
		return false, nil, err
	}
	if len(reply.EphemeralPubKey) != 32 {
		return false, nil, framingErrorf("peer's curve25519 public value has wrong length")
	}

	// X25519 rejects the low order points that would yield an all zero
	// shared secret.
	secret, err := curve25519.X25519(s.priv[:], reply.EphemeralPubKey)
	if err != nil {
		return false, nil, framingErrorf("invalid curve25519 peer value: %v", err)
	}
	ki := new(big.Int).SetBytes(secret)

	h := crypto.SHA256.New()
	s.magics.write(h)
	writeString(h, reply.HostKey)
	writeString(h, s.pub)
	writeString(h, reply.EphemeralPubKey)
	writeInt(h, ki)

	s.res = &kexResult{
		H:         h.Sum(nil),
		K:         ki,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      crypto.SHA256,
	}
	return true, nil, nil
}

func (s *curve25519Session) result() *kexResult { return s.res }

var (
	dhGroup1  *dhGroup
	dhGroup14 *dhGroup
	dhGroup16 *dhGroup
)

func newModpGroup(primeHex string) *dhGroup {
	p, _ := new(big.Int).SetString(primeHex, 16)
	return &dhGroup{
		g:       big.NewInt(2),
		p:       p,
		pMinus1: new(big.Int).Sub(p, bigOne),
	}
}

func init() {
	// Oakley Group 2 in RFC 2409, called diffie-hellman-group1-sha1 in RFC
	// 4253.
	dhGroup1 = newModpGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF")

	// 2048-bit MODP group, Group 14 in RFC 3526.
	dhGroup14 = newModpGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")

	// 4096-bit MODP group, Group 16 in RFC 3526.
	dhGroup16 = newModpGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D788719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA993B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF")
}
