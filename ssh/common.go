// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"io"

	"github.com/linhanyu/dartssh/common"
	"github.com/linhanyu/dartssh/common/prng"
)

// Negotiable algorithm names. These appear in KEXINIT name lists and are the
// values accepted by ClientConfig preference lists.
const (
	kexAlgoDH1SHA1          = "diffie-hellman-group1-sha1"
	kexAlgoDH14SHA1         = "diffie-hellman-group14-sha1"
	kexAlgoDH14SHA256       = "diffie-hellman-group14-sha256"
	kexAlgoDH16SHA512       = "diffie-hellman-group16-sha512"
	kexAlgoDHGEXSHA1        = "diffie-hellman-group-exchange-sha1"
	kexAlgoDHGEXSHA256      = "diffie-hellman-group-exchange-sha256"
	kexAlgoECDH256          = "ecdh-sha2-nistp256"
	kexAlgoECDH384          = "ecdh-sha2-nistp384"
	kexAlgoECDH521          = "ecdh-sha2-nistp521"
	kexAlgoCurve25519SHA256 = "curve25519-sha256"
	kexAlgoCurve25519LibSSH = "curve25519-sha256@libssh.org"

	hostAlgoRSA       = "ssh-rsa"
	hostAlgoRSASHA256 = "rsa-sha2-256"
	hostAlgoRSASHA512 = "rsa-sha2-512"
	hostAlgoECDSA256  = "ecdsa-sha2-nistp256"
	hostAlgoECDSA384  = "ecdsa-sha2-nistp384"
	hostAlgoECDSA521  = "ecdsa-sha2-nistp521"
	hostAlgoED25519   = "ssh-ed25519"

	cipherAES128CTR        = "aes128-ctr"
	cipherAES192CTR        = "aes192-ctr"
	cipherAES256CTR        = "aes256-ctr"
	cipherAES128GCM        = "aes128-gcm@openssh.com"
	cipherAES256GCM        = "aes256-gcm@openssh.com"
	cipherChaCha20Poly1305 = "chacha20-poly1305@openssh.com"
	cipherNone             = "none"

	macSHA256    = "hmac-sha2-256"
	macSHA512    = "hmac-sha2-512"
	macSHA1      = "hmac-sha1"
	macSHA256ETM = "hmac-sha2-256-etm@openssh.com"
	macSHA512ETM = "hmac-sha2-512-etm@openssh.com"

	compressionNone = "none"
)

var supportedKexAlgos = []string{
	kexAlgoCurve25519SHA256, kexAlgoCurve25519LibSSH,
	kexAlgoECDH256, kexAlgoECDH384, kexAlgoECDH521,
	kexAlgoDH14SHA256, kexAlgoDH16SHA512, kexAlgoDH14SHA1,
	kexAlgoDHGEXSHA256, kexAlgoDHGEXSHA1,
}

var supportedHostKeyAlgos = []string{
	hostAlgoED25519,
	hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521,
	hostAlgoRSASHA512, hostAlgoRSASHA256, hostAlgoRSA,
}

var supportedCiphers = []string{
	cipherChaCha20Poly1305,
	cipherAES128GCM, cipherAES256GCM,
	cipherAES128CTR, cipherAES192CTR, cipherAES256CTR,
}

var supportedMACs = []string{
	macSHA256ETM, macSHA512ETM, macSHA256, macSHA512, macSHA1,
}

// aeadCiphers do not carry a separate MAC; the MAC negotiation result is
// ignored for these.
var aeadCiphers = map[string]bool{
	cipherChaCha20Poly1305: true,
	cipherAES128GCM:        true,
	cipherAES256GCM:        true,
}

// directionAlgorithms is the negotiated outcome for one direction of the
// connection.
type directionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// algorithms is the complete outcome of a KEXINIT negotiation.
type algorithms struct {
	kex     string
	hostKey string
	w       directionAlgorithms
	r       directionAlgorithms
}

// findCommon picks the first client-preferred algorithm that the server also
// lists, per RFC 4253 section 7.1.
func findCommon(what string, client []string, server []string) (string, error) {
	for _, c := range client {
		if common.Contains(server, c) {
			return c, nil
		}
	}
	return "", &NegotiationError{
		Category:   what,
		ClientList: client,
		ServerList: server,
	}
}

// findAgreedAlgorithms resolves every negotiated category from a pair of
// KEXINIT messages. The client side sends identical name lists in both
// directions, so clientKexInit's client-to-server lists stand for both.
func findAgreedAlgorithms(clientKexInit, serverKexInit *kexInitMsg) (*algorithms, error) {
	result := &algorithms{}

	var err error
	result.kex, err = findCommon("key exchange", clientKexInit.KexAlgos, serverKexInit.KexAlgos)
	if err != nil {
		return nil, err
	}

	result.hostKey, err = findCommon("host key", clientKexInit.ServerHostKeyAlgos, serverKexInit.ServerHostKeyAlgos)
	if err != nil {
		return nil, err
	}

	result.w.Cipher, err = findCommon("client to server cipher", clientKexInit.CiphersClientServer, serverKexInit.CiphersClientServer)
	if err != nil {
		return nil, err
	}

	result.r.Cipher, err = findCommon("server to client cipher", clientKexInit.CiphersServerClient, serverKexInit.CiphersServerClient)
	if err != nil {
		return nil, err
	}

	if !aeadCiphers[result.w.Cipher] {
		result.w.MAC, err = findCommon("client to server MAC", clientKexInit.MACsClientServer, serverKexInit.MACsClientServer)
		if err != nil {
			return nil, err
		}
	}

	if !aeadCiphers[result.r.Cipher] {
		result.r.MAC, err = findCommon("server to client MAC", clientKexInit.MACsServerClient, serverKexInit.MACsServerClient)
		if err != nil {
			return nil, err
		}
	}

	result.w.Compression, err = findCommon("client to server compression", clientKexInit.CompressionClientServer, serverKexInit.CompressionClientServer)
	if err != nil {
		return nil, err
	}

	result.r.Compression, err = findCommon("server to client compression", clientKexInit.CompressionServerClient, serverKexInit.CompressionServerClient)
	if err != nil {
		return nil, err
	}

	return result, nil
}

const (
	// defaultRekeyBytesThreshold triggers a key exchange after this many
	// bytes in either direction, per RFC 4253 section 9.
	defaultRekeyBytesThreshold = 1 << 30

	// packetRekeyThreshold triggers a key exchange before either sequence
	// number can wrap.
	packetRekeyThreshold = 1 << 31
)

// ClientConfig holds the client identity, preferences and callbacks for a
// connection. A zero-value field takes its documented default when the
// config is passed to NewClient.
type ClientConfig struct {

	// User is the username presented during authentication.
	User string

	// ClientVersion is the identification string sent in the version
	// exchange. It must start with "SSH-2.0-". Defaults to a package
	// identifier when empty.
	ClientVersion string

	// KexAlgorithms, HostKeyAlgorithms, Ciphers and MACs override the
	// default preference lists when non-empty. Order is preference order.
	KexAlgorithms     []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string

	// SpeculativeKex sends the initiating packet of the first preferred key
	// exchange algorithm immediately after KEXINIT, with the
	// first_kex_packet_follows flag set. When the server's preferences
	// disagree the guess is resent under the negotiated algorithm.
	SpeculativeKex bool

	// NoneCipher requests the "none" cipher in both directions. Intended
	// only for traffic that carries its own encryption.
	NoneCipher bool

	// RekeyBytesThreshold is the per-direction traffic volume that triggers
	// an automatic key exchange. Defaults to 1 GiB.
	RekeyBytesThreshold int64

	// Identities are the public key credentials offered during
	// authentication, in order.
	Identities []Identity

	// Password supplies a password synchronously. When nil the engine asks
	// for one through OnPrompt and waits for SupplyPassword.
	Password *Secret

	// HostKeyCallback decides whether the server's host key is acceptable.
	// Required.
	HostKeyCallback HostKeyCallback

	// OnPrompt receives authentication prompts and banners.
	OnPrompt PromptCallback

	// OnPayload receives the payloads of connection-layer packets after
	// authentication completes.
	OnPayload PacketCallback

	// Logger receives diagnostic events. Optional.
	Logger common.Logger
}

const packageVersion = "SSH-2.0-dartssh_Go"

// applyDefaults normalizes the config, filling zero values. It does not
// modify the caller's struct.
func (c *ClientConfig) applyDefaults() *ClientConfig {
	out := *c
	if out.ClientVersion == "" {
		out.ClientVersion = packageVersion
	}
	if len(out.KexAlgorithms) == 0 {
		out.KexAlgorithms = supportedKexAlgos
	}
	if len(out.HostKeyAlgorithms) == 0 {
		out.HostKeyAlgorithms = supportedHostKeyAlgos
	}
	if len(out.Ciphers) == 0 {
		out.Ciphers = supportedCiphers
	}
	if out.NoneCipher {
		out.Ciphers = append([]string{cipherNone}, out.Ciphers...)
	}
	if len(out.MACs) == 0 {
		out.MACs = supportedMACs
	}
	if out.RekeyBytesThreshold <= 0 {
		out.RekeyBytesThreshold = defaultRekeyBytesThreshold
	}
	return &out
}

var supportedCompressions = []string{compressionNone}

// Transport carries framed bytes produced by the engine to the peer. Send is
// called with complete version lines or encrypted packets; the engine never
// retains the slice after Send returns.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Identity is a public key credential capable of signing authentication
// challenges.
type Identity interface {
	PublicKeyAlgorithm() string
	PublicKeyBlob() []byte
	Sign(data []byte) ([]byte, error)
}

// HostKeyCallback inspects the server's host key during the first key
// exchange. Returning false aborts the connection.
type HostKeyCallback func(algorithm string, blob []byte, fingerprint string) bool

// PromptCallback receives interactive authentication text. echo reports
// whether the response, if any, may be displayed.
type PromptCallback func(prompt string, echo bool)

// PacketCallback receives the payload of a decrypted packet. The slice is
// only valid for the duration of the call.
type PacketCallback func(payload []byte)

// newCookie fills a KEXINIT cookie from the given source.
func newCookie(p *prng.PRNG) (cookie [16]byte) {
	p.Read(cookie[:])
	return
}

// handshakeMagics are the values bound into the exchange hash, per RFC 4253
// section 8.
type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

func (m *handshakeMagics) write(w io.Writer) {
	writeString(w, m.clientVersion)
	writeString(w, m.serverVersion)
	writeString(w, m.clientKexInit)
	writeString(w, m.serverKexInit)
}

func unexpectedMessageError(state ConnectionState, msgType byte) error {
	return &StateError{State: state, MsgType: msgType}
}
