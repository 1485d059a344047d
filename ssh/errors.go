// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"fmt"
	"strings"
)

// The error taxonomy below distinguishes the fatal failure classes of the
// transport. Every one of these errors tears the connection down; they are
// typed so callers can select an appropriate presentation, in particular for
// the security relevant classes (IntegrityError, HostKeyError). All errors
// remain matchable with errors.As through trace wrapping.

// FramingError indicates a malformed binary packet: an implied packet length
// of zero, a length exceeding the configured maximum, an invalid padding
// length, or a message body that does not parse.
type FramingError struct {
	Message string
}

func (e *FramingError) Error() string {
	return "ssh: framing error: " + e.Message
}

func framingErrorf(format string, args ...interface{}) error {
	return &FramingError{Message: fmt.Sprintf(format, args...)}
}

// NegotiationError indicates that the client and server share no algorithm
// in the named category.
type NegotiationError struct {
	Category   string
	ClientList []string
	ServerList []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf(
		"ssh: no common algorithm for %s; client offered: %s, server offered: %s",
		e.Category,
		strings.Join(e.ClientList, ","),
		strings.Join(e.ServerList, ","))
}

// IntegrityError indicates a MAC or AEAD verification failure on a received
// packet. It is never silently dropped, since it may indicate tampering.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string {
	return "ssh: integrity error: " + e.Message
}

// HostKeyError indicates a host key signature verification failure, an
// unparseable host key blob, or a host key rejected by the caller's
// acceptance callback. It is distinct from IntegrityError so callers can
// present a security relevant message.
type HostKeyError struct {
	Message string
}

func (e *HostKeyError) Error() string {
	return "ssh: host key error: " + e.Message
}

func hostKeyErrorf(format string, args ...interface{}) error {
	return &HostKeyError{Message: fmt.Sprintf(format, args...)}
}

// AuthenticationError indicates a terminal authentication failure: a second
// or later failure message, or any failure once a password has already been
// sent. The first failure is benign and triggers a password retry instead.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "ssh: authentication failed: " + e.Message
}

// StateError indicates a message received in a connection state where it is
// not valid. The engine does not attempt recovery.
type StateError struct {
	State   ConnectionState
	MsgType byte
}

func (e *StateError) Error() string {
	return fmt.Sprintf(
		"ssh: unexpected message type %d in state %s", e.MsgType, e.State)
}
