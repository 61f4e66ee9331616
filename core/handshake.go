// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// SockType distinguishes the two UDT socket types; this module only
// implements the streaming type but keeps the field for wire compatibility.
type SockType int32

const (
	SockStream SockType = 1
	SockDgram  SockType = 2
)

// RequestType is the handshake's "request type" field (spec §6): 1 for a
// regular connect request, 0 for a rendezvous exchange, and -1/-2 for the
// responder's two replies in a regular connect (-1 the cookie challenge,
// -2 the confirm); the rendezvous exchange itself uses only 0. Rendezvous
// is a supplemented feature from original_source/udt4 (see SPEC_FULL.md).
type RequestType int32

const (
	ReqConnect      RequestType = 1
	ReqRendezvous   RequestType = 0
	ReqRendezvousAck1 RequestType = -1
	ReqRendezvousAck2 RequestType = -2
)

// handshakeWireSize is the 48-byte payload described in spec §6.
const handshakeWireSize = 48

// Handshake is the decoded body of a CtrlHandshake control packet.
type Handshake struct {
	Version     uint32
	SockType    SockType
	InitSeq     uint32
	MSS         uint32
	FlowWindow  uint32
	ReqType     RequestType
	SockID      uint32
	Cookie      uint32
	PeerAddr    net.IP // stored in a 16-byte field; IPv4 is v4-in-v6 padded
}

// Encode writes the handshake body to its fixed 48-byte wire form.
func (h *Handshake) Encode() []byte {
	b := make([]byte, handshakeWireSize)
	binary.BigEndian.PutUint32(b[0:4], h.Version)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.SockType))
	binary.BigEndian.PutUint32(b[8:12], h.InitSeq&seqMax)
	binary.BigEndian.PutUint32(b[12:16], h.MSS)
	binary.BigEndian.PutUint32(b[16:20], h.FlowWindow)
	binary.BigEndian.PutUint32(b[20:24], uint32(int32(h.ReqType)))
	binary.BigEndian.PutUint32(b[24:28], h.SockID)
	binary.BigEndian.PutUint32(b[28:32], h.Cookie)
	ip := h.PeerAddr.To16()
	if ip == nil {
		ip = make(net.IP, 16)
	}
	copy(b[32:48], ip)
	return b
}

// DecodeHandshake parses a 48-byte handshake body.
func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) < handshakeWireSize {
		return Handshake{}, errors.New("handshake: payload too short")
	}
	var h Handshake
	h.Version = binary.BigEndian.Uint32(b[0:4])
	h.SockType = SockType(binary.BigEndian.Uint32(b[4:8]))
	h.InitSeq = binary.BigEndian.Uint32(b[8:12]) & seqMax
	h.MSS = binary.BigEndian.Uint32(b[12:16])
	h.FlowWindow = binary.BigEndian.Uint32(b[16:20])
	h.ReqType = RequestType(int32(binary.BigEndian.Uint32(b[20:24])))
	h.SockID = binary.BigEndian.Uint32(b[24:28])
	h.Cookie = binary.BigEndian.Uint32(b[28:32])
	h.PeerAddr = net.IP(append([]byte{}, b[32:48]...))
	return h, nil
}

// handshakeCookie derives the SYN cookie for a given address: a keyed hash
// of the address, so a mismatched retried handshake (spec §8 scenario S6)
// can be silently discarded instead of allocating state. The engine does
// no cookie validation; the udt package's multiplexer validates with its
// own handshakeCookieFor, which uses the same hash but maps a zero result
// to 1.
func handshakeCookie(secret uint32, addr *net.UDPAddr) uint32 {
	h := secret
	for _, b := range addr.IP {
		h = h*31 + uint32(b)
	}
	h = h*31 + uint32(addr.Port)
	return h
}
