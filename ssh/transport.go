// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"strings"

	"github.com/linhanyu/dartssh/common"
	"github.com/linhanyu/dartssh/common/errors"
	"github.com/linhanyu/dartssh/common/prng"
)

// ConnectionState tracks progress through the transport handshake. The
// First* states belong to the initial key exchange; the unprefixed kex
// states are re-entered on every re-key.
type ConnectionState int

const (
	// StateInit: awaiting the server identification line.
	StateInit ConnectionState = iota

	// StateFirstKexInit: identification exchanged, awaiting the server's
	// first KEXINIT.
	StateFirstKexInit

	// StateFirstKexReply: first key exchange in flight.
	StateFirstKexReply

	// StateFirstNewKeys: our NEWKEYS sent, awaiting the server's.
	StateFirstNewKeys

	// StateKexInit: re-key initiated, our KEXINIT sent.
	StateKexInit

	// StateKexReply: re-key exchange in flight.
	StateKexReply

	// StateNewKeys: keys installed; the connection is operating.
	StateNewKeys
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFirstKexInit:
		return "first-kexinit"
	case StateFirstKexReply:
		return "first-kex-reply"
	case StateFirstNewKeys:
		return "first-newkeys"
	case StateKexInit:
		return "kexinit"
	case StateKexReply:
		return "kex-reply"
	case StateNewKeys:
		return "newkeys"
	}
	return "unknown"
}

// cryptoSession is the cipher state for one direction. pending holds the
// cipher built from a completed key exchange until the corresponding NEWKEYS
// activates it. The sequence number runs across key changes and is never
// reset.
type cryptoSession struct {
	cipher      packetCipher
	pending     packetCipher
	seqNum      uint32
	packetsLeft int64
	bytesLeft   int64
}

func (s *cryptoSession) activatePending(bytesBudget int64) {
	s.cipher = s.pending
	s.pending = nil
	s.packetsLeft = packetRekeyThreshold
	s.bytesLeft = bytesBudget
}

// maxPendingWrite bounds the payloads queued while a key exchange is in
// flight.
const maxPendingWrite = 64

// Client is a caller-driven SSH client transport. It performs no I/O of its
// own: inbound bytes are pushed in through Receive, in fragments of any
// size, and outbound frames are handed to the Transport. All methods must be
// called from a single goroutine.
type Client struct {
	config    *ClientConfig
	transport Transport
	logger    common.Logger

	state ConnectionState
	buf   readBuffer

	paddingPRNG *prng.PRNG

	clientVersion []byte
	serverVersion []byte

	magics        handshakeMagics
	ourKexInitMsg *kexInitMsg
	algorithms    *algorithms
	kex           kexSession

	// speculativeAlgo is non-empty while an optimistic first kex packet is
	// outstanding.
	speculativeAlgo string

	// discardGuessed is set when the server declared a guessed packet that
	// lost the negotiation; the next kex-range packet is dropped.
	discardGuessed bool

	sentKexInit bool
	sentNewKeys bool
	sessionID   []byte

	read, write cryptoSession

	pendingWrite [][]byte

	auth    authMachine
	channel *Channel

	closed bool
	err    error
}

// NewClient builds a client transport over t. The config must carry a
// HostKeyCallback; everything else has defaults.
func NewClient(t Transport, config *ClientConfig) (*Client, error) {
	if config == nil || config.HostKeyCallback == nil {
		return nil, errors.TraceNew("missing host key callback")
	}

	p, err := prng.NewPRNG()
	if err != nil {
		return nil, errors.Trace(err)
	}

	conf := config.applyDefaults()

	c := &Client{
		config:        conf,
		transport:     t,
		logger:        conf.Logger,
		state:         StateInit,
		paddingPRNG:   p,
		clientVersion: []byte(conf.ClientVersion),
	}

	none, err := newNoneCipher(nil, nil, nil, directionAlgorithms{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.read.cipher = none
	noneW, err := newNoneCipher(nil, nil, nil, directionAlgorithms{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.write.cipher = noneW

	c.read.packetsLeft = packetRekeyThreshold
	c.read.bytesLeft = conf.RekeyBytesThreshold
	c.write.packetsLeft = packetRekeyThreshold
	c.write.bytesLeft = conf.RekeyBytesThreshold

	return c, nil
}

// Start sends the identification line and the first KEXINIT. With
// SpeculativeKex enabled it also sends the initiating packet of the first
// preferred key exchange without waiting for the server's KEXINIT.
func (c *Client) Start() error {
	if err := c.transport.Send(append(append([]byte{}, c.clientVersion...), '\r', '\n')); err != nil {
		return errors.Trace(err)
	}

	speculative := c.config.SpeculativeKex
	if err := c.sendKexInit(speculative); err != nil {
		return errors.Trace(err)
	}

	if speculative {
		algo := c.config.KexAlgorithms[0]
		kex, err := newKexSession(algo, &c.magics)
		if err != nil {
			return errors.Trace(err)
		}
		packets, err := kex.start(c.paddingPRNG)
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range packets {
			if err := c.writePacket(p); err != nil {
				return errors.Trace(err)
			}
		}
		c.kex = kex
		c.speculativeAlgo = algo
	}

	return nil
}

// State reports the transport handshake state.
func (c *Client) State() ConnectionState {
	return c.state
}

// SessionID returns the session identifier, the exchange hash of the first
// key exchange. It is nil before the first key exchange completes and does
// not change on re-key.
func (c *Client) SessionID() []byte {
	if c.sessionID == nil {
		return nil
	}
	return append([]byte{}, c.sessionID...)
}

// ServerVersion returns the server's identification string, without line
// terminators.
func (c *Client) ServerVersion() string {
	return string(c.serverVersion)
}

// ServerSoftwareVersion extracts the numeric version from the software name
// in the server's identification string, for example "9.0" from
// "SSH-2.0-OpenSSH_9.0 Debian". It returns an empty string when no version
// number is present.
func (c *Client) ServerSoftwareVersion() string {
	ident := string(c.serverVersion)
	parts := strings.SplitN(ident, "-", 3)
	if len(parts) < 3 {
		return ""
	}
	software := parts[2]
	if i := strings.IndexByte(software, ' '); i >= 0 {
		software = software[:i]
	}
	if i := strings.LastIndexByte(software, '_'); i >= 0 {
		software = software[i+1:]
	}
	start := -1
	for i := 0; i < len(software); i++ {
		if software[i] >= '0' && software[i] <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := start
	for end < len(software) && (software[end] >= '0' && software[end] <= '9' || software[end] == '.') {
		end++
	}
	return software[start:end]
}

// Authenticated reports whether user authentication has completed.
func (c *Client) Authenticated() bool {
	return c.auth.state == authDone
}

// Channel returns the session channel, or nil before authentication
// completes.
func (c *Client) Channel() *Channel {
	return c.channel
}

// Close sends a disconnect and closes the underlying transport.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	// Best effort; the peer may already be gone.
	_ = c.writePacket(marshal(&disconnectMsg{
		Reason:  11, // SSH_DISCONNECT_BY_APPLICATION
		Message: "disconnected by application",
	}))
	return errors.Trace(c.transport.Close())
}

// Receive feeds inbound bytes to the engine. Fragment boundaries carry no
// meaning: a call may deliver part of a packet or several packets at once.
// Any error is fatal to the connection: the underlying transport is closed
// and the same error is returned on subsequent calls.
func (c *Client) Receive(data []byte) error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return errors.TraceNew("connection closed")
	}

	c.buf.append(data)

	if err := c.process(); err != nil {
		c.err = err
		// Fatal conditions terminate the connection: no disconnect
		// message is attempted since the crypto state may be the cause.
		c.closed = true
		_ = c.transport.Close()
		return err
	}
	return nil
}

// WritePayload frames and sends one packet payload. During a key exchange
// the payload is queued and flushed once the new keys are in effect.
func (c *Client) WritePayload(payload []byte) error {
	if c.err != nil {
		return c.err
	}
	if c.kexInProgress() {
		if len(c.pendingWrite) >= maxPendingWrite {
			return errors.TraceNew("too many packets queued during key exchange")
		}
		c.pendingWrite = append(c.pendingWrite, append([]byte{}, payload...))
		return nil
	}
	if err := c.writePacket(payload); err != nil {
		return err
	}
	// Outbound-only traffic must also honor the re-key budgets.
	if c.write.bytesLeft < 0 || c.write.packetsLeft <= 0 {
		return c.RequestKeyExchange()
	}
	return nil
}

// RequestKeyExchange initiates a re-key. It is a no-op while a key exchange
// is already in flight or before the first one completes.
func (c *Client) RequestKeyExchange() error {
	if c.state != StateNewKeys {
		return nil
	}
	if err := c.sendKexInit(false); err != nil {
		return err
	}
	c.state = StateKexInit
	return nil
}

func (c *Client) kexInProgress() bool {
	return c.state != StateNewKeys
}

func (c *Client) log() common.Logger {
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// process drains as much of the read buffer as the current state allows.
func (c *Client) process() error {
	if c.state == StateInit {
		done, err := c.readVersionLine()
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		c.state = StateFirstKexInit
	}

	for {
		payload, complete, err := c.read.cipher.readPacket(c.read.seqNum, &c.buf)
		if err != nil {
			return errors.Trace(err)
		}
		if !complete {
			break
		}
		c.read.seqNum++
		c.read.packetsLeft--
		c.read.bytesLeft -= int64(len(payload))

		if err := c.handlePacket(payload); err != nil {
			return err
		}
		if c.err != nil {
			return c.err
		}
	}

	c.buf.compact()

	if c.state == StateNewKeys && (c.read.bytesLeft < 0 || c.read.packetsLeft <= 0 ||
		c.write.bytesLeft < 0 || c.write.packetsLeft <= 0) {
		return c.RequestKeyExchange()
	}

	return nil
}

const maxVersionLine = 255

// readVersionLine scans the identification exchange. Servers may send
// arbitrary preamble lines before the SSH identification, which are ignored.
func (c *Client) readVersionLine() (bool, error) {
	for {
		line, ok, err := c.buf.nextLine(maxVersionLine)
		if err != nil {
			return false, errors.Trace(err)
		}
		if !ok {
			c.buf.compact()
			return false, nil
		}
		if !bytes.HasPrefix(line, []byte("SSH-")) {
			continue
		}

		ident := string(line)
		rest := ident[len("SSH-"):]
		i := strings.IndexByte(rest, '-')
		if i < 0 {
			return false, framingErrorf("malformed identification string %q", ident)
		}
		proto := rest[:i]
		if proto != "2.0" && proto != "1.99" {
			return false, framingErrorf("unsupported protocol version %q", proto)
		}

		c.serverVersion = append([]byte{}, line...)
		c.magics.clientVersion = c.clientVersion
		c.magics.serverVersion = c.serverVersion

		c.log().WithTraceFields(common.LogFields{
			"server_version": ident,
		}).Debug("identification exchanged")
		return true, nil
	}
}

// writePacket frames payload under the current write cipher and hands it to
// the transport.
func (c *Client) writePacket(payload []byte) error {
	var frame bytes.Buffer
	if err := c.write.cipher.writePacket(c.write.seqNum, &frame, c.paddingPRNG, payload); err != nil {
		return errors.Trace(err)
	}
	c.write.seqNum++
	c.write.packetsLeft--
	c.write.bytesLeft -= int64(len(payload))
	return errors.Trace(c.transport.Send(frame.Bytes()))
}

// sendKexInit builds, records and sends our KEXINIT.
func (c *Client) sendKexInit(firstKexFollows bool) error {
	if c.sentKexInit {
		return nil
	}

	msg := &kexInitMsg{
		KexAlgos:                c.config.KexAlgorithms,
		ServerHostKeyAlgos:      c.config.HostKeyAlgorithms,
		CiphersClientServer:     c.config.Ciphers,
		CiphersServerClient:     c.config.Ciphers,
		MACsClientServer:        c.config.MACs,
		MACsServerClient:        c.config.MACs,
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
		FirstKexFollows:         firstKexFollows,
	}
	msg.Cookie = newCookie(c.paddingPRNG)

	payload := marshal(msg)
	c.ourKexInitMsg = msg
	c.magics.clientKexInit = payload
	c.sentKexInit = true

	return c.writePacket(payload)
}

func (c *Client) handlePacket(payload []byte) error {
	if len(payload) == 0 {
		return framingErrorf("empty packet payload")
	}
	msgType := payload[0]

	switch msgType {
	case msgIgnore, msgDebug, msgUnimplemented:
		return nil

	case msgDisconnect:
		var msg disconnectMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(&msg)
	}

	if kexMsgRange(msgType) && (c.state == StateFirstKexReply || c.state == StateKexReply) {
		return c.handleKexMessage(payload)
	}

	switch msgType {
	case msgKexInit:
		switch c.state {
		case StateFirstKexInit, StateNewKeys, StateKexInit:
			return c.handleKexInit(payload)
		}
		return errors.Trace(unexpectedMessageError(c.state, msgType))

	case msgNewKeys:
		return c.handleNewKeys()

	case msgServiceAccept,
		msgUserAuthFailure, msgUserAuthSuccess, msgUserAuthBanner,
		msgUserAuthInfoRequest:
		// In StateKexInit the server has not yet sent its own KEXINIT and
		// may legally still be flushing userauth traffic.
		if c.state != StateNewKeys && c.state != StateKexInit {
			return errors.Trace(unexpectedMessageError(c.state, msgType))
		}
		return c.handleAuthMessage(payload)

	case msgGlobalRequest:
		var msg globalRequestMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		if msg.WantReply {
			return c.writePacket(marshal(&globalRequestFailureMsg{}))
		}
		return nil

	case msgRequestSuccess, msgRequestFailure:
		return nil
	}

	if msgType >= msgChannelOpen && msgType <= msgChannelFailure {
		if c.auth.state != authDone {
			return errors.Trace(unexpectedMessageError(c.state, msgType))
		}
		return c.handleChannelMessage(payload)
	}

	// Unknown message type: report it, as RFC 4253 section 11.4 requires.
	c.log().WithTraceFields(common.LogFields{
		"msg_type": int(msgType),
	}).Debug("unimplemented message type")
	return c.writePacket(appendU32([]byte{msgUnimplemented}, c.read.seqNum-1))
}

func (c *Client) handleKexInit(payload []byte) error {
	theirKexInit := append([]byte{}, payload...)
	var serverInit kexInitMsg
	if err := unmarshal(&serverInit, payload); err != nil {
		return errors.Trace(err)
	}

	firstKex := c.sessionID == nil

	// Server-initiated re-key: answer with our own KEXINIT.
	if err := c.sendKexInit(false); err != nil {
		return err
	}

	c.magics.serverKexInit = theirKexInit

	algs, err := findAgreedAlgorithms(c.ourKexInitMsg, &serverInit)
	if err != nil {
		return errors.Trace(err)
	}
	c.algorithms = algs

	c.log().WithTraceFields(common.LogFields{
		"kex":      algs.kex,
		"host_key": algs.hostKey,
		"cipher":   algs.w.Cipher,
		"mac":      algs.w.MAC,
	}).Info("algorithms negotiated")

	// A wrong server guess means its next kex-range packet is noise.
	if serverInit.FirstKexFollows &&
		(len(serverInit.KexAlgos) == 0 || serverInit.KexAlgos[0] != algs.kex ||
			len(serverInit.ServerHostKeyAlgos) == 0 || serverInit.ServerHostKeyAlgos[0] != algs.hostKey) {
		c.discardGuessed = true
	}

	keepGuess := c.speculativeAlgo != "" &&
		c.speculativeAlgo == algs.kex &&
		c.config.HostKeyAlgorithms[0] == algs.hostKey
	if c.speculativeAlgo != "" && !keepGuess {
		// Our optimistic packet lost the negotiation; the server discards
		// it and we start over under the agreed algorithm.
		c.kex = nil
	}
	c.speculativeAlgo = ""

	if c.kex == nil {
		kex, err := newKexSession(algs.kex, &c.magics)
		if err != nil {
			return errors.Trace(err)
		}
		packets, err := kex.start(c.paddingPRNG)
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range packets {
			if err := c.writePacket(p); err != nil {
				return err
			}
		}
		c.kex = kex
	}

	if firstKex {
		c.state = StateFirstKexReply
	} else {
		c.state = StateKexReply
	}
	return nil
}

func (c *Client) handleKexMessage(payload []byte) error {
	if c.discardGuessed {
		c.discardGuessed = false
		return nil
	}
	if c.kex == nil {
		return errors.Trace(unexpectedMessageError(c.state, payload[0]))
	}

	done, out, err := c.kex.handle(payload)
	if err != nil {
		return errors.Trace(err)
	}
	for _, p := range out {
		if err := c.writePacket(p); err != nil {
			return err
		}
	}
	if !done {
		return nil
	}
	return c.finishKex()
}

// finishKex verifies the server's signature over the exchange hash, derives
// both directions' keys and sends our NEWKEYS. The write cipher switches
// immediately; the read cipher waits for the server's NEWKEYS.
func (c *Client) finishKex() error {
	res := c.kex.result()

	if err := verifyHostKeySignature(c.algorithms.hostKey, res.HostKey, res.H, res.Signature); err != nil {
		return errors.Trace(err)
	}

	if c.sessionID == nil {
		fingerprint := fingerprintSHA256(res.HostKey)
		if !c.config.HostKeyCallback(c.algorithms.hostKey, res.HostKey, fingerprint) {
			return errors.Trace(&HostKeyError{Message: "host key rejected: " + fingerprint})
		}
		c.sessionID = res.H
	}
	res.SessionID = c.sessionID

	if err := c.writePacket([]byte{msgNewKeys}); err != nil {
		return err
	}

	writeCipher, err := newPacketCipher(true, c.algorithms.w, res)
	if err != nil {
		return errors.Trace(err)
	}
	readCipher, err := newPacketCipher(false, c.algorithms.r, res)
	if err != nil {
		return errors.Trace(err)
	}

	c.write.cipher = writeCipher
	c.write.packetsLeft = packetRekeyThreshold
	c.write.bytesLeft = c.config.RekeyBytesThreshold
	c.read.pending = readCipher
	c.sentNewKeys = true

	if c.state == StateFirstKexReply {
		c.state = StateFirstNewKeys
	}
	return nil
}

func (c *Client) handleNewKeys() error {
	if !c.sentNewKeys || c.read.pending == nil {
		return errors.Trace(unexpectedMessageError(c.state, msgNewKeys))
	}

	c.read.activatePending(c.config.RekeyBytesThreshold)

	first := c.state == StateFirstNewKeys
	c.state = StateNewKeys
	c.kex = nil
	c.sentNewKeys = false
	c.sentKexInit = false

	for _, p := range c.pendingWrite {
		if err := c.writePacket(p); err != nil {
			return err
		}
	}
	c.pendingWrite = nil

	if first {
		return c.startAuthentication()
	}
	return nil
}

// noopLogger swallows events when no logger is configured.
type noopLogger struct{}

func (noopLogger) WithTrace() common.LogTrace { return noopTrace{} }
func (noopLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return noopTrace{}
}
func (noopLogger) LogMetric(metric string, fields common.LogFields) {}

type noopTrace struct{}

func (noopTrace) Debug(args ...interface{})   {}
func (noopTrace) Info(args ...interface{})    {}
func (noopTrace) Warning(args ...interface{}) {}
func (noopTrace) Error(args ...interface{})   {}
