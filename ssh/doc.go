// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package ssh implements a caller-driven SSH 2.0 client transport and
authentication engine, per RFC 4251 through 4254.

The engine performs no network I/O and starts no goroutines. The caller
constructs a Client around a Transport, which receives framed outbound
bytes, and pushes inbound bytes through Receive in fragments of any size.
Version exchange, algorithm negotiation, key exchange, packet encryption and
integrity, re-keying and user authentication all happen inside the engine;
connection-layer packets arriving after authentication are surfaced through
the OnPayload callback.
*/
package ssh
