// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	stderrors "errors"
	"math/big"
	"testing"

	"golang.org/x/crypto/curve25519"
)

// testServer is a scripted SSH server sharing this package's wire
// primitives. The Client under test uses it as its Transport: frames sent by
// the client are consumed immediately, while server responses are queued
// until the test pumps them into Client.Receive, optionally fragmented.
type testServer struct {
	t *testing.T

	hostKey  ed25519.PrivateKey
	identity *Ed25519Identity

	// banner lines sent before the identification string
	preamble []string
	version  string

	kexAlgos     []string
	hostKeyAlgos []string
	ciphers      []string
	macs         []string

	// guessWrong makes the server declare a guessed kex packet that loses
	// the negotiation.
	guessWrong bool

	onAuthRequest func(s *testServer, msg *userAuthRequestMsg) error

	toClient [][]byte

	buf         readBuffer
	read, write cryptoSession
	versionSeen bool

	clientVersion []byte
	clientKexInit []byte
	serverKexInit []byte
	kexInit       *kexInitMsg
	algs          *algorithms
	sessionID     []byte
	discardNext   bool

	closed bool
}

func newTestServer(t *testing.T) *testServer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	s := &testServer{
		t:            t,
		hostKey:      priv,
		identity:     NewEd25519Identity(priv),
		version:      "SSH-2.0-testserver_1.0",
		kexAlgos:     supportedKexAlgos,
		hostKeyAlgos: []string{hostAlgoED25519},
		ciphers:      supportedCiphers,
		macs:         supportedMACs,
	}
	none, err := newNoneCipher(nil, nil, nil, directionAlgorithms{})
	if err != nil {
		t.Fatalf("none cipher: %v", err)
	}
	s.read.cipher = none
	noneW, _ := newNoneCipher(nil, nil, nil, directionAlgorithms{})
	s.write.cipher = noneW
	return s
}

// Send implements Transport for the client under test.
func (s *testServer) Send(data []byte) error {
	s.consume(data)
	return nil
}

func (s *testServer) Close() error {
	s.closed = true
	return nil
}

func (s *testServer) queue(data []byte) {
	s.toClient = append(s.toClient, append([]byte{}, data...))
}

func (s *testServer) drain() [][]byte {
	out := s.toClient
	s.toClient = nil
	return out
}

// pump delivers queued server frames to the client until none remain.
// fragment > 0 splits every frame into chunks of that many bytes.
func (s *testServer) pump(c *Client, fragment int) error {
	for {
		frames := s.drain()
		if len(frames) == 0 {
			return nil
		}
		for _, f := range frames {
			if fragment <= 0 {
				if err := c.Receive(f); err != nil {
					return err
				}
				continue
			}
			for len(f) > 0 {
				n := fragment
				if n > len(f) {
					n = len(f)
				}
				if err := c.Receive(f[:n]); err != nil {
					return err
				}
				f = f[n:]
			}
		}
	}
}

func (s *testServer) sendPacket(payload []byte) {
	var frame bytes.Buffer
	if err := s.write.cipher.writePacket(s.write.seqNum, &frame, rand.Reader, payload); err != nil {
		s.t.Fatalf("server write packet: %v", err)
	}
	s.write.seqNum++
	s.queue(frame.Bytes())
}

func (s *testServer) consume(data []byte) {
	s.buf.append(data)

	if !s.versionSeen {
		line, ok, err := s.buf.nextLine(maxVersionLine)
		if err != nil {
			s.t.Fatalf("server version line: %v", err)
		}
		if !ok {
			return
		}
		s.versionSeen = true
		s.clientVersion = append([]byte{}, line...)

		for _, p := range s.preamble {
			s.queue([]byte(p + "\r\n"))
		}
		s.queue([]byte(s.version + "\r\n"))
		s.sendKexInit()
	}

	for {
		payload, complete, err := s.read.cipher.readPacket(s.read.seqNum, &s.buf)
		if err != nil {
			s.t.Fatalf("server read packet: %v", err)
		}
		if !complete {
			break
		}
		s.read.seqNum++
		s.handlePacket(append([]byte{}, payload...))
	}
	s.buf.compact()
}

func (s *testServer) sendKexInit() {
	msg := &kexInitMsg{
		KexAlgos:                s.kexAlgos,
		ServerHostKeyAlgos:      s.hostKeyAlgos,
		CiphersClientServer:     s.ciphers,
		CiphersServerClient:     s.ciphers,
		MACsClientServer:        s.macs,
		MACsServerClient:        s.macs,
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
		FirstKexFollows:         s.guessWrong,
	}
	if _, err := rand.Read(msg.Cookie[:]); err != nil {
		s.t.Fatalf("cookie: %v", err)
	}
	s.kexInit = msg
	s.serverKexInit = marshal(msg)
	s.sendPacket(s.serverKexInit)

	if s.guessWrong {
		// A guessed packet under an algorithm the client will not agree
		// to; the client must discard it.
		s.sendPacket(marshal(&kexECDHInitMsg{ClientPubKey: make([]byte, 32)}))
	}
}

func (s *testServer) handlePacket(payload []byte) {
	switch payload[0] {
	case msgKexInit:
		s.clientKexInit = append([]byte{}, payload...)
		var clientInit kexInitMsg
		if err := unmarshal(&clientInit, payload); err != nil {
			s.t.Fatalf("server parse kexinit: %v", err)
		}
		if s.kexInit == nil {
			// client-initiated re-key
			s.sendKexInit()
		}
		algs, err := findAgreedAlgorithms(&clientInit, s.kexInit)
		if err != nil {
			// The client fails the same negotiation on its side.
			return
		}
		s.algs = algs
		if algs.kex != kexAlgoCurve25519SHA256 && algs.kex != kexAlgoCurve25519LibSSH {
			s.t.Fatalf("test server only speaks curve25519, negotiated %q", algs.kex)
		}
		if clientInit.FirstKexFollows &&
			(clientInit.KexAlgos[0] != algs.kex || clientInit.ServerHostKeyAlgos[0] != algs.hostKey) {
			s.discardNext = true
		}

	case msgKexECDHInit:
		if s.discardNext {
			s.discardNext = false
			return
		}
		s.finishKex(payload)

	case msgNewKeys:
		if s.read.pending == nil {
			s.t.Fatalf("server got NEWKEYS with no pending cipher")
		}
		s.read.activatePending(defaultRekeyBytesThreshold)
		s.kexInit = nil

	case msgServiceRequest:
		var msg serviceRequestMsg
		if err := unmarshal(&msg, payload); err != nil {
			s.t.Fatalf("service request: %v", err)
		}
		s.sendPacket(marshal(&serviceAcceptMsg{Service: msg.Service}))

	case msgUserAuthRequest:
		var msg userAuthRequestMsg
		if err := unmarshal(&msg, payload); err != nil {
			s.t.Fatalf("auth request: %v", err)
		}
		if s.onAuthRequest == nil {
			s.t.Fatalf("unexpected auth request")
		}
		if err := s.onAuthRequest(s, &msg); err != nil {
			s.t.Fatalf("auth handler: %v", err)
		}

	case msgUserAuthInfoResponse:
		if s.onAuthRequest == nil {
			s.t.Fatalf("unexpected info response")
		}
		msgCopy := userAuthRequestMsg{Method: "info-response", Payload: payload}
		if err := s.onAuthRequest(s, &msgCopy); err != nil {
			s.t.Fatalf("auth handler: %v", err)
		}

	case msgChannelOpen:
		var msg channelOpenMsg
		if err := unmarshal(&msg, payload); err != nil {
			s.t.Fatalf("channel open: %v", err)
		}
		s.sendPacket(marshal(&channelOpenConfirmMsg{
			PeersID:       msg.PeersID,
			MyID:          7,
			MyWindow:      channelWindowSize,
			MaxPacketSize: channelMaxPacket,
		}))

	case msgChannelData:
		// echo
		s.sendPacket(payload)

	case msgDisconnect:
		// shutdown, nothing to do

	case msgIgnore, msgDebug, msgUnimplemented, msgChannelWindowAdjust:

	default:
		s.t.Fatalf("test server: unhandled message type %d", payload[0])
	}
}

// finishKex runs the server side of curve25519-sha256 and ships the reply
// and NEWKEYS.
func (s *testServer) finishKex(payload []byte) {
	var init kexECDHInitMsg
	if err := unmarshal(&init, payload); err != nil {
		s.t.Fatalf("ecdh init: %v", err)
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		s.t.Fatalf("ephemeral: %v", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		s.t.Fatalf("ephemeral public: %v", err)
	}
	secret, err := curve25519.X25519(priv[:], init.ClientPubKey)
	if err != nil {
		s.t.Fatalf("shared secret: %v", err)
	}
	ki := new(big.Int).SetBytes(secret)

	hostKeyBlob := s.identity.PublicKeyBlob()

	magics := handshakeMagics{
		clientVersion: s.clientVersion,
		serverVersion: []byte(s.version),
		clientKexInit: s.clientKexInit,
		serverKexInit: s.serverKexInit,
	}
	h := sha256.New()
	magics.write(h)
	writeString(h, hostKeyBlob)
	writeString(h, init.ClientPubKey)
	writeString(h, pub)
	writeInt(h, ki)
	exchangeHash := h.Sum(nil)

	rawSig := ed25519.Sign(s.hostKey, exchangeHash)
	var sigWire []byte
	sigWire = appendInt(sigWire, len(hostAlgoED25519))
	sigWire = append(sigWire, hostAlgoED25519...)
	sigWire = appendInt(sigWire, len(rawSig))
	sigWire = append(sigWire, rawSig...)

	s.sendPacket(marshal(&kexECDHReplyMsg{
		HostKey:         hostKeyBlob,
		EphemeralPubKey: pub,
		Signature:       sigWire,
	}))
	s.sendPacket([]byte{msgNewKeys})

	if s.sessionID == nil {
		s.sessionID = exchangeHash
	}
	res := &kexResult{
		H:         exchangeHash,
		K:         ki,
		Hash:      crypto.SHA256,
		SessionID: s.sessionID,
	}

	// The server's write direction uses the client's read algorithms.
	writeCipher, err := newPacketCipher(false, s.algs.r, res)
	if err != nil {
		s.t.Fatalf("server write cipher: %v", err)
	}
	readCipher, err := newPacketCipher(true, s.algs.w, res)
	if err != nil {
		s.t.Fatalf("server read cipher: %v", err)
	}
	s.write.cipher = writeCipher
	s.read.pending = readCipher
}

func acceptPassword(want string) func(*testServer, *userAuthRequestMsg) error {
	return func(s *testServer, msg *userAuthRequestMsg) error {
		if msg.Method != "password" {
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"password"}}))
			return nil
		}
		rest := msg.Payload[1:]
		pw, _, ok := parseString(rest)
		if !ok {
			return framingErrorf("bad password payload")
		}
		if string(pw) == want {
			s.sendPacket([]byte{msgUserAuthSuccess})
		} else {
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"password"}}))
		}
		return nil
	}
}

func testClientConfig() *ClientConfig {
	return &ClientConfig{
		User: "testuser",
		HostKeyCallback: func(algorithm string, blob []byte, fingerprint string) bool {
			return true
		},
	}
}

func runHandshake(t *testing.T, srv *testServer, config *ClientConfig, fragment int) *Client {
	client, err := NewClient(srv, config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.pump(client, fragment); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return client
}

func TestHandshakeAndPasswordAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)

	if !client.Authenticated() {
		t.Fatalf("expected authentication to complete")
	}
	if client.State() != StateNewKeys {
		t.Fatalf("state = %v, want %v", client.State(), StateNewKeys)
	}
	if client.Channel() == nil || !client.Channel().Open {
		t.Fatalf("expected an open session channel")
	}
	if client.SessionID() == nil {
		t.Fatalf("expected a session identifier")
	}
	if !bytes.Equal(client.SessionID(), srv.sessionID) {
		t.Fatalf("session identifier mismatch")
	}
}

func TestByteAtATimeDelivery(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	var received [][]byte
	config.OnPayload = func(payload []byte) {
		received = append(received, append([]byte{}, payload...))
	}

	client := runHandshake(t, srv, config, 1)
	if !client.Authenticated() {
		t.Fatalf("expected authentication to complete")
	}

	// Round trip application data through the echoing server, still one
	// byte at a time.
	want := []byte("caller driven transport")
	if err := client.SendChannelData(want); err != nil {
		t.Fatalf("SendChannelData: %v", err)
	}
	if err := srv.pump(client, 1); err != nil {
		t.Fatalf("pump: %v", err)
	}

	var got []byte
	for _, p := range received {
		if p[0] != msgChannelData {
			continue
		}
		data, _, ok := parseString(p[5:])
		if !ok {
			t.Fatalf("bad channel data")
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("echoed data = %q, want %q", got, want)
	}
}

func TestBannerPreambleAndSoftwareVersion(t *testing.T) {
	srv := newTestServer(t)
	srv.preamble = []string{"welcome to the machine", "* no trespassing *"}
	srv.version = "SSH-2.0-OpenSSH_9.0 Debian-1"
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)

	if got := client.ServerVersion(); got != "SSH-2.0-OpenSSH_9.0 Debian-1" {
		t.Fatalf("ServerVersion = %q", got)
	}
	if got := client.ServerSoftwareVersion(); got != "9.0" {
		t.Fatalf("ServerSoftwareVersion = %q, want 9.0", got)
	}
}

func TestKeyboardInteractiveThenPasswordFallback(t *testing.T) {
	srv := newTestServer(t)

	kbdTried := false
	srv.onAuthRequest = func(s *testServer, msg *userAuthRequestMsg) error {
		switch msg.Method {
		case "keyboard-interactive":
			kbdTried = true
			// no info request: refuse the method outright
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"password"}}))
		case "password":
			rest := msg.Payload[1:]
			pw, _, _ := parseString(rest)
			if string(pw) == "s3cret" {
				s.sendPacket([]byte{msgUserAuthSuccess})
			} else {
				s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"password"}}))
			}
		default:
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"password"}}))
		}
		return nil
	}

	var prompts []string
	config := testClientConfig()
	config.OnPrompt = func(prompt string, echo bool) {
		prompts = append(prompts, prompt)
	}

	client := runHandshake(t, srv, config, 0)

	if !kbdTried {
		t.Fatalf("expected keyboard-interactive to be attempted first")
	}
	if client.Authenticated() {
		t.Fatalf("should be waiting for a password")
	}
	if len(prompts) == 0 {
		t.Fatalf("expected a password prompt")
	}

	if err := client.SupplyPassword(NewSecretFromString("s3cret")); err != nil {
		t.Fatalf("SupplyPassword: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if !client.Authenticated() {
		t.Fatalf("expected authentication to complete")
	}
}

func TestKeyboardInteractiveInfoRequest(t *testing.T) {
	srv := newTestServer(t)

	srv.onAuthRequest = func(s *testServer, msg *userAuthRequestMsg) error {
		switch msg.Method {
		case "keyboard-interactive":
			var prompts []byte
			prompts = appendInt(prompts, len("Password:"))
			prompts = append(prompts, "Password:"...)
			prompts = append(prompts, 0) // no echo
			s.sendPacket(marshal(&userAuthInfoRequestMsg{
				Name:       "login",
				NumPrompts: 1,
				Prompts:    prompts,
			}))
		case "info-response":
			rest := msg.Payload[1:]
			n, rest, _ := parseUint32(rest)
			if n != 1 {
				return framingErrorf("want 1 response, got %d", n)
			}
			pw, _, _ := parseString(rest)
			if string(pw) == "letmein" {
				s.sendPacket([]byte{msgUserAuthSuccess})
			} else {
				s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"keyboard-interactive"}}))
			}
		default:
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"keyboard-interactive"}}))
		}
		return nil
	}

	var prompts []string
	config := testClientConfig()
	config.OnPrompt = func(prompt string, echo bool) {
		if !echo {
			prompts = append(prompts, prompt)
		}
	}

	client := runHandshake(t, srv, config, 0)
	if len(prompts) != 1 || prompts[0] != "Password:" {
		t.Fatalf("prompts = %v", prompts)
	}

	if err := client.SupplyPassword(NewSecretFromString("letmein")); err != nil {
		t.Fatalf("SupplyPassword: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if !client.Authenticated() {
		t.Fatalf("expected authentication to complete")
	}
}

func TestPublicKeyAuth(t *testing.T) {
	srv := newTestServer(t)

	_, userKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("user key: %v", err)
	}
	userIdentity := NewEd25519Identity(userKey)
	userBlob := userIdentity.PublicKeyBlob()

	srv.onAuthRequest = func(s *testServer, msg *userAuthRequestMsg) error {
		if msg.Method != "publickey" {
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"publickey"}}))
			return nil
		}
		hasSig := msg.Payload[0] != 0
		rest := msg.Payload[1:]
		algo, rest, _ := parseString(rest)
		blob, rest, ok := parseString(rest)
		if !ok || !bytes.Equal(blob, userBlob) {
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"publickey"}}))
			return nil
		}
		if !hasSig {
			var ok []byte
			ok = append(ok, msgUserAuthPubKeyOk)
			ok = appendInt(ok, len(algo))
			ok = append(ok, algo...)
			ok = appendInt(ok, len(blob))
			ok = append(ok, blob...)
			s.sendPacket(ok)
			return nil
		}

		sigWire, _, ok2 := parseString(rest)
		if !ok2 {
			return framingErrorf("bad signature field")
		}
		_, sigRest, _ := parseString(sigWire)
		rawSig, _, _ := parseString(sigRest)

		var signed []byte
		signed = appendInt(signed, len(s.sessionID))
		signed = append(signed, s.sessionID...)
		signed = append(signed, msgUserAuthRequest)
		signed = appendInt(signed, len(msg.User))
		signed = append(signed, msg.User...)
		signed = appendInt(signed, len(msg.Service))
		signed = append(signed, msg.Service...)
		signed = appendInt(signed, len("publickey"))
		signed = append(signed, "publickey"...)
		signed = append(signed, 1)
		signed = appendInt(signed, len(algo))
		signed = append(signed, algo...)
		signed = appendInt(signed, len(blob))
		signed = append(signed, blob...)

		pub := userKey.Public().(ed25519.PublicKey)
		if ed25519.Verify(pub, signed, rawSig) {
			s.sendPacket([]byte{msgUserAuthSuccess})
		} else {
			s.sendPacket(marshal(&userAuthFailureMsg{Methods: []string{"publickey"}}))
		}
		return nil
	}

	config := testClientConfig()
	config.Identities = []Identity{userIdentity}

	client := runHandshake(t, srv, config, 0)
	if !client.Authenticated() {
		t.Fatalf("expected public key authentication to complete")
	}
}

func TestHostKeyRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("x")

	config := testClientConfig()
	config.HostKeyCallback = func(algorithm string, blob []byte, fingerprint string) bool {
		return false
	}

	client, err := NewClient(srv, config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = srv.pump(client, 0)
	var hostKeyErr *HostKeyError
	if !stderrors.As(err, &hostKeyErr) {
		t.Fatalf("expected HostKeyError, got %v", err)
	}
}

func TestAuthenticationFailureIsTerminal(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("right")

	config := testClientConfig()
	config.Password = NewSecretFromString("wrong")

	client, err := NewClient(srv, config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = srv.pump(client, 0)
	var authErr *AuthenticationError
	if !stderrors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}

	// The failure is sticky.
	if got := client.Receive(nil); got == nil {
		t.Fatalf("expected subsequent Receive calls to fail")
	}
}

func TestRekeyPreservesSessionID(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)
	firstID := client.SessionID()

	if err := client.RequestKeyExchange(); err != nil {
		t.Fatalf("RequestKeyExchange: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("re-key: %v", err)
	}

	if client.State() != StateNewKeys {
		t.Fatalf("state after re-key = %v", client.State())
	}
	if !bytes.Equal(client.SessionID(), firstID) {
		t.Fatalf("session identifier changed across re-key")
	}

	// Traffic still flows under the new keys.
	if err := client.SendChannelData([]byte("after rekey")); err != nil {
		t.Fatalf("SendChannelData: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("pump: %v", err)
	}
}

func TestServerWrongGuessDiscarded(t *testing.T) {
	srv := newTestServer(t)
	srv.guessWrong = true
	// The server's first preference differs from the client's so its guess
	// loses.
	srv.kexAlgos = []string{kexAlgoCurve25519LibSSH, kexAlgoCurve25519SHA256}
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)
	if !client.Authenticated() {
		t.Fatalf("expected handshake to survive a wrong server guess")
	}
}

func TestSpeculativeKex(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")
	config.SpeculativeKex = true

	client := runHandshake(t, srv, config, 0)
	if !client.Authenticated() {
		t.Fatalf("expected speculative handshake to complete")
	}
}

func TestSpeculativeKexWrongGuess(t *testing.T) {
	srv := newTestServer(t)
	// Server refuses the client's first preference so the optimistic
	// packet must be discarded server side and resent.
	srv.kexAlgos = []string{kexAlgoCurve25519LibSSH}
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")
	config.SpeculativeKex = true

	client := runHandshake(t, srv, config, 0)
	if !client.Authenticated() {
		t.Fatalf("expected handshake to recover from a wrong client guess")
	}
}

func TestNegotiationFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.ciphers = []string{"rot13"}

	client, err := NewClient(srv, testClientConfig())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = srv.pump(client, 0)
	var negErr *NegotiationError
	if !stderrors.As(err, &negErr) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
}

func TestFatalErrorClosesTransport(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("right")

	config := testClientConfig()
	config.Password = NewSecretFromString("wrong")

	client, err := NewClient(srv, config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = srv.pump(client, 0)
	var authErr *AuthenticationError
	if !stderrors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if !srv.closed {
		t.Fatalf("transport left open after a fatal error")
	}
}

func TestInboundPacketBudgetRekeyMidBatch(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)
	firstID := client.SessionID()

	// Several packets delivered in one call can cross the budget between
	// checks; the counter must not wrap past zero.
	client.read.packetsLeft = 1
	for i := 0; i < 3; i++ {
		srv.sendPacket(appendU32([]byte{msgIgnore}, 0))
	}
	var batch []byte
	for _, f := range srv.drain() {
		batch = append(batch, f...)
	}
	if err := client.Receive(batch); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("re-key: %v", err)
	}

	if client.State() != StateNewKeys {
		t.Fatalf("state after budget re-key = %v", client.State())
	}
	if client.read.packetsLeft <= 0 {
		t.Fatalf("packet budget not reset after re-key")
	}
	if !bytes.Equal(client.SessionID(), firstID) {
		t.Fatalf("session identifier changed across budget re-key")
	}
}

func TestOutboundByteBudgetTriggersRekey(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)

	// An outbound-only connection exhausts the write budget with no
	// inbound byte to prompt the check.
	client.write.bytesLeft = 1
	if err := client.WritePayload(appendU32([]byte{msgIgnore}, 0)); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}
	if client.State() != StateKexInit {
		t.Fatalf("state after exhausted write budget = %v", client.State())
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("re-key: %v", err)
	}
	if client.State() != StateNewKeys {
		t.Fatalf("state after re-key = %v", client.State())
	}
	if client.write.bytesLeft <= 0 {
		t.Fatalf("write budget not reset after re-key")
	}
}

func TestAuthTrafficDuringRekey(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	var prompts []string
	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")
	config.OnPrompt = func(prompt string, echo bool) {
		prompts = append(prompts, prompt)
	}

	client := runHandshake(t, srv, config, 0)

	// A banner already in flight when the client starts a re-key arrives
	// before the server's responding KEXINIT and must not be fatal.
	srv.sendPacket(marshal(&userAuthBannerMsg{Message: "maintenance window"}))
	if err := client.RequestKeyExchange(); err != nil {
		t.Fatalf("RequestKeyExchange: %v", err)
	}
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("re-key: %v", err)
	}

	if client.State() != StateNewKeys {
		t.Fatalf("state after re-key = %v", client.State())
	}
	seen := false
	for _, p := range prompts {
		if p == "maintenance window" {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("banner dropped during re-key")
	}
}

func TestChannelEOFRecorded(t *testing.T) {
	srv := newTestServer(t)
	srv.onAuthRequest = acceptPassword("hunter2")

	config := testClientConfig()
	config.Password = NewSecretFromString("hunter2")

	client := runHandshake(t, srv, config, 0)

	srv.sendPacket(marshal(&channelEOFMsg{PeersID: client.Channel().LocalID}))
	if err := srv.pump(client, 0); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if !client.Channel().EOF {
		t.Fatalf("EOF not recorded on the session channel")
	}
}
