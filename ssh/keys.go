// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"math/big"
)

// deriveKey generates key material per RFC 4253 section 7.2: the initial
// block is HASH(K || H || tag || session_id) and each extension block is
// HASH(K || H || output-so-far), truncated to length.
func deriveKey(hashFunc crypto.Hash, k *big.Int, h, sessionID []byte, tag byte, length int) []byte {
	var sharedSecret []byte
	{
		buf := make([]byte, intLength(k))
		marshalInt(buf, k)
		sharedSecret = buf
	}

	out := make([]byte, 0, length)

	digest := hashFunc.New()
	digest.Write(sharedSecret)
	digest.Write(h)
	digest.Write([]byte{tag})
	digest.Write(sessionID)
	out = digest.Sum(out)

	for len(out) < length {
		digest.Reset()
		digest.Write(sharedSecret)
		digest.Write(h)
		digest.Write(out)
		out = digest.Sum(out)
	}

	return out[:length]
}

// newPacketCipher builds a packetCipher for one direction from a completed
// key exchange. The tag triple (IV, key, MAC key) follows RFC 4253 section
// 7.2: 'A', 'C', 'E' for client to server and 'B', 'D', 'F' for server to
// client.
func newPacketCipher(clientToServer bool, algs directionAlgorithms, result *kexResult) (packetCipher, error) {
	mode, ok := cipherModes[algs.Cipher]
	if !ok {
		return nil, framingErrorf("unsupported cipher %q", algs.Cipher)
	}

	ivTag, keyTag, macTag := byte('B'), byte('D'), byte('F')
	if clientToServer {
		ivTag, keyTag, macTag = 'A', 'C', 'E'
	}

	iv := deriveKey(result.Hash, result.K, result.H, result.SessionID, ivTag, mode.ivSize)
	key := deriveKey(result.Hash, result.K, result.H, result.SessionID, keyTag, mode.keySize)

	var macKey []byte
	if algs.MAC != "" {
		macKey = deriveKey(result.Hash, result.K, result.H, result.SessionID, macTag, macModes[algs.MAC].keySize)
	}

	return mode.create(key, iv, macKey, algs)
}
