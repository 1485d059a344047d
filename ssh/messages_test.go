// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	stderrors "errors"
	"reflect"
	"testing"
)

func TestKexInitMsgRoundTrip(t *testing.T) {
	in := &kexInitMsg{
		KexAlgos:                []string{kexAlgoCurve25519SHA256, kexAlgoDH14SHA256},
		ServerHostKeyAlgos:      []string{hostAlgoED25519},
		CiphersClientServer:     []string{cipherAES128CTR},
		CiphersServerClient:     []string{cipherAES128CTR},
		MACsClientServer:        []string{macSHA256},
		MACsServerClient:        []string{macSHA256},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
		LanguagesClientServer:   []string{},
		LanguagesServerClient:   []string{},
		FirstKexFollows:         true,
	}
	copy(in.Cookie[:], "0123456789abcdef")

	packet := marshal(in)
	if packet[0] != msgKexInit {
		t.Fatalf("leading byte = %d, want %d", packet[0], msgKexInit)
	}

	var out kexInitMsg
	if err := unmarshal(&out, packet); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", in, &out)
	}
}

func TestUnmarshalWrongType(t *testing.T) {
	packet := marshal(&serviceRequestMsg{Service: "ssh-userauth"})

	var msg serviceAcceptMsg
	err := unmarshal(&msg, packet)
	var framingErr *FramingError
	if !stderrors.As(err, &framingErr) {
		t.Fatalf("wrong type byte yielded %v, want FramingError", err)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	packet := marshal(&disconnectMsg{Reason: 2, Message: "gone"})

	for i := 1; i < len(packet); i++ {
		var msg disconnectMsg
		err := unmarshal(&msg, packet[:i])
		var framingErr *FramingError
		if err == nil {
			t.Fatalf("truncation at %d accepted", i)
		}
		if !stderrors.As(err, &framingErr) {
			t.Fatalf("truncation at %d yielded %v, want FramingError", i, err)
		}
	}
}

func TestUnmarshalTrailingGarbage(t *testing.T) {
	packet := marshal(&serviceAcceptMsg{Service: "ssh-userauth"})
	packet = append(packet, 0xde, 0xad)

	var msg serviceAcceptMsg
	if err := unmarshal(&msg, packet); err == nil {
		t.Fatalf("trailing bytes accepted")
	}
}

func TestDisconnectMsgIsError(t *testing.T) {
	msg := &disconnectMsg{Reason: 11, Message: "bye"}
	var err error = msg
	if err.Error() == "" {
		t.Fatalf("expected error text")
	}
}
