// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

// fingerprintSHA256 renders a host key blob in the OpenSSH SHA256
// fingerprint format.
func fingerprintSHA256(blob []byte) string {
	sum := sha256.Sum256(blob)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// signatureHash maps a host key algorithm to the digest its signatures
// cover.
func signatureHash(algo string) (crypto.Hash, error) {
	switch algo {
	case hostAlgoRSA:
		return crypto.SHA1, nil
	case hostAlgoRSASHA256:
		return crypto.SHA256, nil
	case hostAlgoRSASHA512:
		return crypto.SHA512, nil
	case hostAlgoECDSA256, hostAlgoED25519:
		return crypto.SHA256, nil
	case hostAlgoECDSA384:
		return crypto.SHA384, nil
	case hostAlgoECDSA521:
		return crypto.SHA512, nil
	}
	return 0, hostKeyErrorf("unsupported host key algorithm %q", algo)
}

// keyFormat returns the wire format name embedded in key blobs for the given
// negotiated algorithm. The RSA SHA-2 algorithms reuse the ssh-rsa key
// format.
func keyFormat(algo string) string {
	switch algo {
	case hostAlgoRSASHA256, hostAlgoRSASHA512:
		return hostAlgoRSA
	}
	return algo
}

// verifyHostKeySignature checks the server's signature over the exchange
// hash against the host key blob from the key exchange reply.
func verifyHostKeySignature(algo string, hostKeyBlob, h, sig []byte) error {
	sigFormat, sigBlob, rest, ok := parseSignatureBody(sig)
	if !ok || len(rest) > 0 {
		return hostKeyErrorf("malformed signature")
	}
	if sigFormat != algo {
		return hostKeyErrorf("signature format %q does not match negotiated algorithm %q", sigFormat, algo)
	}

	keyType, keyRest, ok := parseString(hostKeyBlob)
	if !ok {
		return hostKeyErrorf("malformed host key blob")
	}
	if string(keyType) != keyFormat(algo) {
		return hostKeyErrorf("host key type %q does not match negotiated algorithm %q", keyType, algo)
	}

	hashFunc, err := signatureHash(algo)
	if err != nil {
		return err
	}
	digest := hashFunc.New()
	digest.Write(h)
	hashed := digest.Sum(nil)

	switch algo {
	case hostAlgoRSA, hostAlgoRSASHA256, hostAlgoRSASHA512:
		pub, err := parseRSABlob(keyRest)
		if err != nil {
			return err
		}
		if err := rsa.VerifyPKCS1v15(pub, hashFunc, hashed, sigBlob); err != nil {
			return hostKeyErrorf("RSA signature verification failed")
		}
		return nil

	case hostAlgoECDSA256, hostAlgoECDSA384, hostAlgoECDSA521:
		pub, err := parseECDSABlob(algo, keyRest)
		if err != nil {
			return err
		}
		r, s, err := parseECDSASignatureBlob(sigBlob)
		if err != nil {
			return err
		}
		if !ecdsa.Verify(pub, hashed, r, s) {
			return hostKeyErrorf("ECDSA signature verification failed")
		}
		return nil

	case hostAlgoED25519:
		pub, rest, ok := parseString(keyRest)
		if !ok || len(rest) > 0 || len(pub) != ed25519.PublicKeySize {
			return hostKeyErrorf("malformed ed25519 host key")
		}
		// ed25519 signs the exchange hash directly.
		if !ed25519.Verify(ed25519.PublicKey(pub), h, sigBlob) {
			return hostKeyErrorf("ed25519 signature verification failed")
		}
		return nil
	}

	return hostKeyErrorf("unsupported host key algorithm %q", algo)
}

func parseSignatureBody(sig []byte) (format string, blob, rest []byte, ok bool) {
	var f []byte
	if f, sig, ok = parseString(sig); !ok {
		return
	}
	format = string(f)
	if blob, rest, ok = parseString(sig); !ok {
		return
	}
	return format, blob, rest, true
}

func parseRSABlob(in []byte) (*rsa.PublicKey, error) {
	e, rest, ok := parseInt(in)
	if !ok {
		return nil, hostKeyErrorf("malformed RSA host key")
	}
	n, rest, ok := parseInt(rest)
	if !ok || len(rest) > 0 {
		return nil, hostKeyErrorf("malformed RSA host key")
	}
	if e.BitLen() > 24 {
		return nil, hostKeyErrorf("RSA exponent too large")
	}
	exp := e.Int64()
	if exp < 3 || exp&1 == 0 {
		return nil, hostKeyErrorf("invalid RSA exponent")
	}
	return &rsa.PublicKey{N: n, E: int(exp)}, nil
}

func parseECDSABlob(algo string, in []byte) (*ecdsa.PublicKey, error) {
	curveName, rest, ok := parseString(in)
	if !ok {
		return nil, hostKeyErrorf("malformed ECDSA host key")
	}
	point, rest, ok := parseString(rest)
	if !ok || len(rest) > 0 {
		return nil, hostKeyErrorf("malformed ECDSA host key")
	}

	var curve elliptic.Curve
	switch algo {
	case hostAlgoECDSA256:
		curve = elliptic.P256()
	case hostAlgoECDSA384:
		curve = elliptic.P384()
	case hostAlgoECDSA521:
		curve = elliptic.P521()
	}
	expected := map[string]string{
		hostAlgoECDSA256: "nistp256",
		hostAlgoECDSA384: "nistp384",
		hostAlgoECDSA521: "nistp521",
	}[algo]
	if string(curveName) != expected {
		return nil, hostKeyErrorf("ECDSA curve %q does not match algorithm %q", curveName, algo)
	}

	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, hostKeyErrorf("invalid ECDSA public point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func parseECDSASignatureBlob(blob []byte) (r, s *big.Int, err error) {
	var ok bool
	if r, blob, ok = parseInt(blob); !ok {
		return nil, nil, hostKeyErrorf("malformed ECDSA signature")
	}
	if s, blob, ok = parseInt(blob); !ok || len(blob) > 0 {
		return nil, nil, hostKeyErrorf("malformed ECDSA signature")
	}
	return r, s, nil
}
