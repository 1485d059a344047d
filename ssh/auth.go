// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"strings"

	"github.com/linhanyu/dartssh/common"
	"github.com/linhanyu/dartssh/common/errors"
)

const serviceUserAuth = "ssh-userauth"
const serviceSSH = "ssh-connection"

type authState int

const (
	authIdle authState = iota

	// authServiceRequested: SERVICE_REQUEST ssh-userauth sent.
	authServiceRequested

	// authProbeSent: public key offered without a signature.
	authProbeSent

	// authSignSent: signed public key request sent.
	authSignSent

	// authKbdInteractive: keyboard-interactive requested.
	authKbdInteractive

	// authAwaitingPassword: the caller was prompted; progress resumes on
	// SupplyPassword.
	authAwaitingPassword

	// authInfoResponded: keyboard-interactive responses sent.
	authInfoResponded

	// authPasswordSent: password method request sent.
	authPasswordSent

	authDone
)

// authMachine tracks userauth progress. Methods are attempted in order:
// each configured identity by public key, then keyboard-interactive, then
// password.
type authMachine struct {
	state      authState
	identities []Identity
	current    Identity
	password   *Secret

	// passwordSent means a password has gone over the wire in some form;
	// a failure after that is terminal.
	passwordSent bool

	// viaKbdInt records whether the outstanding password prompt belongs to
	// a keyboard-interactive info request.
	viaKbdInt  bool
	numPrompts int
}

func (c *Client) prompt(text string, echo bool) {
	if c.config.OnPrompt != nil {
		c.config.OnPrompt(text, echo)
	}
}

// startAuthentication begins the userauth service exchange. Called once the
// first key exchange completes.
func (c *Client) startAuthentication() error {
	c.auth.identities = c.config.Identities
	c.auth.password = c.config.Password
	c.auth.state = authServiceRequested
	return c.writePacket(marshal(&serviceRequestMsg{Service: serviceUserAuth}))
}

// SupplyPassword provides the password requested through OnPrompt. The
// engine takes ownership of the secret and destroys it after sending.
func (c *Client) SupplyPassword(password *Secret) error {
	if c.err != nil {
		return c.err
	}
	c.auth.password = password
	if c.auth.state != authAwaitingPassword {
		return nil
	}
	if c.auth.viaKbdInt {
		return c.sendInfoResponse()
	}
	return c.sendPasswordRequest()
}

func (c *Client) handleAuthMessage(payload []byte) error {
	switch payload[0] {
	case msgServiceAccept:
		var msg serviceAcceptMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		if c.auth.state != authServiceRequested || msg.Service != serviceUserAuth {
			return errors.Trace(unexpectedMessageError(c.state, payload[0]))
		}
		return c.nextAuthMethod()

	case msgUserAuthBanner:
		var msg userAuthBannerMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		c.prompt(msg.Message, true)
		return nil

	case msgUserAuthInfoRequest: // also msgUserAuthPubKeyOk
		switch c.auth.state {
		case authProbeSent:
			return c.handlePubKeyOk(payload)
		case authKbdInteractive, authInfoResponded:
			return c.handleInfoRequest(payload)
		}
		return errors.Trace(unexpectedMessageError(c.state, payload[0]))

	case msgUserAuthFailure:
		var msg userAuthFailureMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		return c.handleAuthFailure(&msg)

	case msgUserAuthSuccess:
		switch c.auth.state {
		case authSignSent, authKbdInteractive, authInfoResponded, authPasswordSent:
			c.auth.state = authDone
			c.log().WithTrace().Info("authentication succeeded")
			return c.openSessionChannel()
		}
		return errors.Trace(unexpectedMessageError(c.state, payload[0]))
	}

	return errors.Trace(unexpectedMessageError(c.state, payload[0]))
}

func (c *Client) handleAuthFailure(msg *userAuthFailureMsg) error {
	switch c.auth.state {
	case authProbeSent, authSignSent:
		return c.nextAuthMethod()

	case authKbdInteractive, authInfoResponded:
		if c.auth.passwordSent {
			return errors.Trace(&AuthenticationError{
				Message: "permission denied (" + strings.Join(msg.Methods, ",") + ")",
			})
		}
		return c.tryPassword()

	case authPasswordSent:
		return errors.Trace(&AuthenticationError{
			Message: "permission denied (" + strings.Join(msg.Methods, ",") + ")",
		})
	}
	return errors.Trace(unexpectedMessageError(c.state, msgUserAuthFailure))
}

// nextAuthMethod offers the next configured identity, or moves on to
// keyboard-interactive when none remain.
func (c *Client) nextAuthMethod() error {
	if len(c.auth.identities) > 0 {
		id := c.auth.identities[0]
		c.auth.identities = c.auth.identities[1:]
		return c.sendPublicKeyProbe(id)
	}
	return c.tryKeyboardInteractive()
}

// sendPublicKeyProbe offers a public key without the signature, per RFC 4252
// section 7, so the private key is only exercised for keys the server will
// accept.
func (c *Client) sendPublicKeyProbe(id Identity) error {
	algo := id.PublicKeyAlgorithm()
	blob := id.PublicKeyBlob()

	var p []byte
	p = append(p, 0) // no signature included
	p = appendInt(p, len(algo))
	p = append(p, algo...)
	p = appendInt(p, len(blob))
	p = append(p, blob...)

	c.auth.current = id
	c.auth.state = authProbeSent
	c.log().WithTraceFields(common.LogFields{
		"algorithm": algo,
	}).Debug("offering public key")

	return c.writePacket(marshal(&userAuthRequestMsg{
		User:    c.config.User,
		Service: serviceSSH,
		Method:  "publickey",
		Payload: p,
	}))
}

func (c *Client) handlePubKeyOk(payload []byte) error {
	var msg userAuthPubKeyOkMsg
	if err := unmarshal(&msg, payload); err != nil {
		return errors.Trace(err)
	}

	id := c.auth.current
	algo := id.PublicKeyAlgorithm()
	blob := id.PublicKeyBlob()

	// The signature covers the session identifier followed by the
	// authentication request up to and including the key blob.
	var signed []byte
	signed = appendInt(signed, len(c.sessionID))
	signed = append(signed, c.sessionID...)
	signed = append(signed, msgUserAuthRequest)
	signed = appendInt(signed, len(c.config.User))
	signed = append(signed, c.config.User...)
	signed = appendInt(signed, len(serviceSSH))
	signed = append(signed, serviceSSH...)
	signed = appendInt(signed, len("publickey"))
	signed = append(signed, "publickey"...)
	signed = append(signed, 1)
	signed = appendInt(signed, len(algo))
	signed = append(signed, algo...)
	signed = appendInt(signed, len(blob))
	signed = append(signed, blob...)

	sig, err := id.Sign(signed)
	if err != nil {
		return errors.Trace(err)
	}

	var sigWire []byte
	sigWire = appendInt(sigWire, len(algo))
	sigWire = append(sigWire, algo...)
	sigWire = appendInt(sigWire, len(sig))
	sigWire = append(sigWire, sig...)

	var p []byte
	p = append(p, 1) // signature included
	p = appendInt(p, len(algo))
	p = append(p, algo...)
	p = appendInt(p, len(blob))
	p = append(p, blob...)
	p = appendInt(p, len(sigWire))
	p = append(p, sigWire...)

	c.auth.state = authSignSent
	return c.writePacket(marshal(&userAuthRequestMsg{
		User:    c.config.User,
		Service: serviceSSH,
		Method:  "publickey",
		Payload: p,
	}))
}

func (c *Client) tryKeyboardInteractive() error {
	var p []byte
	p = appendU32(p, 0) // deprecated language tag
	p = appendU32(p, 0) // no submethods
	c.auth.state = authKbdInteractive
	return c.writePacket(marshal(&userAuthRequestMsg{
		User:    c.config.User,
		Service: serviceSSH,
		Method:  "keyboard-interactive",
		Payload: p,
	}))
}

func (c *Client) handleInfoRequest(payload []byte) error {
	var msg userAuthInfoRequestMsg
	if err := unmarshal(&msg, payload); err != nil {
		return errors.Trace(err)
	}

	if msg.Name != "" {
		c.prompt(msg.Name, true)
	}
	if msg.Instruction != "" {
		c.prompt(msg.Instruction, true)
	}

	rest := msg.Prompts
	for i := uint32(0); i < msg.NumPrompts; i++ {
		text, r, ok := parseString(rest)
		if !ok || len(r) < 1 {
			return framingErrorf("malformed info request prompts")
		}
		echo := r[0] != 0
		rest = r[1:]
		c.prompt(string(text), echo)
	}
	if len(rest) > 0 {
		return framingErrorf("malformed info request prompts")
	}

	c.auth.numPrompts = int(msg.NumPrompts)
	c.auth.viaKbdInt = true

	if msg.NumPrompts == 0 || c.auth.password != nil {
		return c.sendInfoResponse()
	}

	c.auth.state = authAwaitingPassword
	return nil
}

// sendInfoResponse answers a keyboard-interactive info request. Every
// prompt but the last gets an empty response; the last carries the
// password.
func (c *Client) sendInfoResponse() error {
	n := c.auth.numPrompts

	out := []byte{msgUserAuthInfoResponse}
	out = appendU32(out, uint32(n))
	for i := 0; i < n-1; i++ {
		out = appendU32(out, 0)
	}

	if n > 0 {
		if c.auth.password == nil {
			return errors.TraceNew("no password available")
		}
		err := c.auth.password.Use(func(pw []byte) error {
			out = appendInt(out, len(pw))
			out = append(out, pw...)
			err := c.writePacket(out)
			wipeBytes(out)
			return err
		})
		c.auth.password.Destroy()
		c.auth.password = nil
		if err != nil {
			return err
		}
		c.auth.passwordSent = true
	} else {
		if err := c.writePacket(out); err != nil {
			return err
		}
	}

	c.auth.state = authInfoResponded
	return nil
}

// tryPassword falls back to the password method after keyboard-interactive
// fails without a password having been sent.
func (c *Client) tryPassword() error {
	c.auth.viaKbdInt = false
	if c.auth.password != nil {
		return c.sendPasswordRequest()
	}
	c.prompt("password", false)
	c.auth.state = authAwaitingPassword
	return nil
}

func (c *Client) sendPasswordRequest() error {
	if c.auth.password == nil {
		return errors.TraceNew("no password available")
	}

	err := c.auth.password.Use(func(pw []byte) error {
		var p []byte
		p = append(p, 0) // not a password change request
		p = appendInt(p, len(pw))
		p = append(p, pw...)

		packet := marshal(&userAuthRequestMsg{
			User:    c.config.User,
			Service: serviceSSH,
			Method:  "password",
			Payload: p,
		})
		err := c.writePacket(packet)
		wipeBytes(packet)
		wipeBytes(p)
		return err
	})
	c.auth.password.Destroy()
	c.auth.password = nil
	if err != nil {
		return err
	}

	c.auth.passwordSent = true
	c.auth.state = authPasswordSent
	return nil
}
