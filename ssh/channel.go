// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"github.com/linhanyu/dartssh/common"
	"github.com/linhanyu/dartssh/common/errors"
)

const (
	channelWindowSize = 1024 * 1024
	channelMaxPacket  = 32 * 1024
)

// Channel is the session channel opened once authentication completes. The
// engine tracks flow control state; payloads of all connection-layer packets
// are also handed to the OnPayload callback for the caller to act on.
type Channel struct {
	LocalID      uint32
	RemoteID     uint32
	LocalWindow  uint32
	RemoteWindow uint32
	MaxPacket    uint32

	// Open is set when the server confirms the channel.
	Open bool

	// EOF is set when the server signals no further data.
	EOF bool

	// Closed is set once both sides have sent a close.
	Closed bool
}

func (c *Client) openSessionChannel() error {
	c.channel = &Channel{
		LocalID:     0,
		LocalWindow: channelWindowSize,
	}
	return c.writePacket(marshal(&channelOpenMsg{
		ChanType:      "session",
		PeersID:       c.channel.LocalID,
		PeersWindow:   channelWindowSize,
		MaxPacketSize: channelMaxPacket,
	}))
}

// SendChannelData frames data as channel data packets, splitting at the
// server's maximum packet size and consuming remote window.
func (c *Client) SendChannelData(data []byte) error {
	ch := c.channel
	if ch == nil || !ch.Open || ch.Closed {
		return errors.TraceNew("channel not open")
	}

	for len(data) > 0 {
		n := len(data)
		if uint32(n) > ch.MaxPacket {
			n = int(ch.MaxPacket)
		}
		if uint32(n) > ch.RemoteWindow {
			return errors.TraceNew("channel window exhausted")
		}

		var p []byte
		p = append(p, msgChannelData)
		p = appendU32(p, ch.RemoteID)
		p = appendInt(p, n)
		p = append(p, data[:n]...)
		if err := c.WritePayload(p); err != nil {
			return err
		}
		ch.RemoteWindow -= uint32(n)
		data = data[n:]
	}
	return nil
}

func (c *Client) handleChannelMessage(payload []byte) error {
	ch := c.channel

	switch payload[0] {
	case msgChannelOpenConfirm:
		var msg channelOpenConfirmMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		if ch == nil || msg.PeersID != ch.LocalID {
			return errors.Trace(unexpectedMessageError(c.state, payload[0]))
		}
		ch.RemoteID = msg.MyID
		ch.RemoteWindow = msg.MyWindow
		ch.MaxPacket = msg.MaxPacketSize
		ch.Open = true
		c.log().WithTraceFields(common.LogFields{
			"remote_id": msg.MyID,
		}).Debug("session channel open")

	case msgChannelOpenFailure:
		var msg channelOpenFailureMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		c.log().WithTraceFields(common.LogFields{
			"reason":  msg.Reason,
			"message": msg.Message,
		}).Warning("session channel rejected")
		c.channel = nil

	case msgChannelWindowAdjust:
		if ch != nil && ch.Open {
			if len(payload) >= 9 {
				add, _, _ := parseUint32(payload[5:])
				ch.RemoteWindow += add
			}
		}

	case msgChannelData, msgChannelExtendedData:
		if ch != nil && ch.Open {
			// type(1) + recipient(4) + [code(4)] + length(4) precede the
			// data bytes.
			header := 9
			if payload[0] == msgChannelExtendedData {
				header = 13
			}
			dataLen := 0
			if len(payload) > header {
				dataLen = len(payload) - header
			}
			if uint32(dataLen) <= ch.LocalWindow {
				ch.LocalWindow -= uint32(dataLen)
			} else {
				ch.LocalWindow = 0
			}
			// Top the window back up once half is consumed.
			if ch.LocalWindow < channelWindowSize/2 {
				add := channelWindowSize - ch.LocalWindow
				var p []byte
				p = append(p, msgChannelWindowAdjust)
				p = appendU32(p, ch.RemoteID)
				p = appendU32(p, add)
				if err := c.writePacket(p); err != nil {
					return err
				}
				ch.LocalWindow += add
			}
		}

	case msgChannelEOF:
		var msg channelEOFMsg
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		if ch != nil && msg.PeersID == ch.LocalID {
			ch.EOF = true
		}

	case msgChannelClose:
		if ch != nil && !ch.Closed {
			ch.Closed = true
			var msg channelCloseMsg
			if err := unmarshal(&msg, payload); err != nil {
				return errors.Trace(err)
			}
			if err := c.writePacket(marshal(&channelCloseMsg{PeersID: ch.RemoteID})); err != nil {
				return err
			}
		}

	case msgChannelRequest:
		// Requests are surfaced through OnPayload; decline any that ask
		// for a reply since nothing here acts on them.
		var msg channelRequestMsgHeader
		if err := unmarshal(&msg, payload); err != nil {
			return errors.Trace(err)
		}
		if msg.WantReply && ch != nil {
			var p []byte
			p = append(p, msgChannelFailure)
			p = appendU32(p, ch.RemoteID)
			if err := c.writePacket(p); err != nil {
				return err
			}
		}
	}

	if c.config.OnPayload != nil {
		c.config.OnPayload(payload)
	}
	return nil
}

// channelRequestMsgHeader covers the fixed prefix of a channel request; the
// request-specific data trails it.
type channelRequestMsgHeader struct {
	PeersID   uint32 `sshtype:"98"`
	Request   string
	WantReply bool
	Data      []byte `ssh:"rest"`
}
