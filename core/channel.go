// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"net"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// maxDatagramSize bounds a single send/receive buffer: header plus the
// largest MSS any connection on this channel is configured with.
const maxDatagramSize = frameHeaderSize + 65507

// Channel is the thin UDP send/receive boundary named in spec §2: it
// combines a packet's header and payload into one datagram on send, and
// hands back one datagram (for the caller to parse) on receive. It does
// not know about sequence numbers, loss lists, or connection state - that
// all lives in Engine.
//
// Grounded on the teacher's udp_linux.go/udp_darwin.go platform setup
// (systemSetupUDPSocket, processUDPErrorQueue) and the socketManager
// send/receive loops in utpgo.go, generalized from a single-multiplexer
// design to a Channel type any number of Engines can share.
type Channel struct {
	conn   *net.UDPConn
	logger logr.Logger
}

// NewChannel opens (or wraps) a UDP socket for use as a Channel. If
// localAddr is nil, the OS picks an ephemeral port.
func NewChannel(localAddr *net.UDPAddr, logger logr.Logger) (*Channel, error) {
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "channel: listen")
	}
	ch := &Channel{conn: conn, logger: logger}
	if err := systemSetupUDPSocket(ch); err != nil {
		logger.V(1).Info("platform UDP socket setup failed, continuing without it", "error", err.Error())
	}
	return ch, nil
}

// LocalAddr returns the channel's local UDP address.
func (ch *Channel) LocalAddr() net.Addr { return ch.conn.LocalAddr() }

// Send writes one complete datagram (header + payload already combined
// by the caller via Packet.Encode) to addr. Transient failures are
// returned for the caller to retry at the next timer tick (spec §7
// "Transient transmission failure"); the channel does not retry itself.
func (ch *Channel) Send(b []byte, addr *net.UDPAddr) error {
	_, err := ch.conn.WriteToUDP(b, addr)
	if err != nil {
		return errors.Wrap(err, "channel: send")
	}
	return nil
}

// Recv blocks for the next inbound datagram, copies it into the caller's
// buf, and returns the number of bytes read along with the sender's
// address.
func (ch *Channel) Recv(buf []byte) (n int, addr *net.UDPAddr, err error) {
	n, addr, err = ch.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, errors.Wrap(err, "channel: recv")
	}
	return n, addr, nil
}

// Close releases the underlying UDP socket.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}
