// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

// readBuffer accumulates inbound bytes delivered in arbitrary fragments and
// exposes them to the packet ciphers. Bytes are consumed with next and the
// storage is compacted once fully drained, so a long-lived connection does
// not grow the buffer without bound.
type readBuffer struct {
	data []byte
	off  int
}

// append adds newly delivered bytes to the end of the buffer.
func (b *readBuffer) append(p []byte) {
	b.data = append(b.data, p...)
}

// avail returns the number of unconsumed bytes.
func (b *readBuffer) avail() int {
	return len(b.data) - b.off
}

// next consumes and returns the next n bytes. The returned slice aliases the
// buffer and is only valid until the next append or compact.
func (b *readBuffer) next(n int) []byte {
	p := b.data[b.off : b.off+n]
	b.off += n
	return p
}

// compact reclaims consumed space. Called after packet processing so the
// buffer only retains a partial trailing packet, if any.
func (b *readBuffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off == len(b.data) {
		b.data = b.data[:0]
	} else {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
	}
	b.off = 0
}

// nextLine consumes bytes up to and including a LF and returns the line
// without its trailing CR/LF. It reports false when no complete line is yet
// buffered.
func (b *readBuffer) nextLine(maxLen int) (line []byte, ok bool, err error) {
	for i := b.off; i < len(b.data); i++ {
		if b.data[i] == '\n' {
			line = b.data[b.off:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			b.off = i + 1
			return line, true, nil
		}
		if i-b.off >= maxLen {
			return nil, false, framingErrorf("line exceeds %d bytes", maxLen)
		}
	}
	return nil, false, nil
}
