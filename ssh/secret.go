// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"github.com/linhanyu/dartssh/common/prng"
)

// Secret holds sensitive bytes, such as a password, and supports explicit
// destruction. Destruction overwrites the memory with pseudorandom noise
// before zeroing so the value does not linger in reachable heap space.
//
// A Secret is intended for a single authentication attempt. The engine
// destroys a Secret once its contents have been framed and sent.
type Secret struct {
	data []byte
}

// NewSecret takes ownership of b and wipes the caller's copy.
func NewSecret(b []byte) *Secret {
	s := &Secret{data: make([]byte, len(b))}
	copy(s.data, b)
	wipeBytes(b)
	return s
}

// NewSecretFromString is a convenience for literal or user-typed passwords.
// The string itself cannot be wiped; prefer NewSecret with a byte slice when
// the source allows it.
func NewSecretFromString(v string) *Secret {
	return &Secret{data: []byte(v)}
}

// Use invokes f with the secret bytes. The slice must not be retained after
// f returns.
func (s *Secret) Use(f func(b []byte) error) error {
	if s.data == nil {
		return &AuthenticationError{Message: "secret already destroyed"}
	}
	return f(s.data)
}

// Len returns the secret's length, or 0 after destruction.
func (s *Secret) Len() int {
	return len(s.data)
}

// Destroy wipes and releases the secret. It is safe to call more than once.
func (s *Secret) Destroy() {
	if s.data == nil {
		return
	}
	wipeBytes(s.data)
	s.data = nil
}

// wipeBytes overwrites b with noise and then with zeroes.
func wipeBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	if p, err := prng.NewPRNG(); err == nil {
		noise := p.Bytes(len(b))
		for i := range b {
			b[i] ^= noise[i]
		}
	}
	for i := range b {
		b[i] = 0
	}
}
