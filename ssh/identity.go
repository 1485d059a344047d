// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
)

// Ed25519Identity is an Identity backed by an ed25519 private key.
type Ed25519Identity struct {
	key ed25519.PrivateKey
}

func NewEd25519Identity(key ed25519.PrivateKey) *Ed25519Identity {
	return &Ed25519Identity{key: key}
}

func (i *Ed25519Identity) PublicKeyAlgorithm() string {
	return hostAlgoED25519
}

func (i *Ed25519Identity) PublicKeyBlob() []byte {
	pub := i.key.Public().(ed25519.PublicKey)
	var blob []byte
	blob = appendInt(blob, len(hostAlgoED25519))
	blob = append(blob, hostAlgoED25519...)
	blob = appendInt(blob, len(pub))
	blob = append(blob, pub...)
	return blob
}

func (i *Ed25519Identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(i.key, data), nil
}

// RSAIdentity is an Identity backed by an RSA private key. It signs with
// rsa-sha2-256 by default.
type RSAIdentity struct {
	key *rsa.PrivateKey

	// SHA512 selects rsa-sha2-512 signatures instead of rsa-sha2-256.
	SHA512 bool
}

func NewRSAIdentity(key *rsa.PrivateKey) *RSAIdentity {
	return &RSAIdentity{key: key}
}

func (i *RSAIdentity) PublicKeyAlgorithm() string {
	if i.SHA512 {
		return hostAlgoRSASHA512
	}
	return hostAlgoRSASHA256
}

func (i *RSAIdentity) PublicKeyBlob() []byte {
	pub := &i.key.PublicKey

	var blob []byte
	blob = appendInt(blob, len(hostAlgoRSA))
	blob = append(blob, hostAlgoRSA...)
	blob = appendBigInt(blob, big.NewInt(int64(pub.E)))
	blob = appendBigInt(blob, pub.N)
	return blob
}

func (i *RSAIdentity) Sign(data []byte) ([]byte, error) {
	hashFunc := crypto.SHA256
	if i.SHA512 {
		hashFunc = crypto.SHA512
	}
	digest := hashFunc.New()
	digest.Write(data)
	return rsa.SignPKCS1v15(rand.Reader, i.key, hashFunc, digest.Sum(nil))
}

func appendBigInt(out []byte, n *big.Int) []byte {
	length := intLength(n)
	start := len(out)
	out = append(out, make([]byte, length)...)
	marshalInt(out[start:], n)
	return out
}
