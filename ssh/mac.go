// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

type macMode struct {
	keySize int

	// etm modes authenticate the packet length and ciphertext instead of
	// the plaintext, and leave the length field unencrypted.
	etm bool

	new func(key []byte) hash.Hash
}

var macModes = map[string]*macMode{
	macSHA256ETM: {32, true, func(key []byte) hash.Hash {
		return hmac.New(sha256.New, key)
	}},
	macSHA512ETM: {64, true, func(key []byte) hash.Hash {
		return hmac.New(sha512.New, key)
	}},
	macSHA256: {32, false, func(key []byte) hash.Hash {
		return hmac.New(sha256.New, key)
	}},
	macSHA512: {64, false, func(key []byte) hash.Hash {
		return hmac.New(sha512.New, key)
	}},
	macSHA1: {20, false, func(key []byte) hash.Hash {
		return hmac.New(sha1.New, key)
	}},
}
