// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	h := Handshake{
		Version:    4,
		SockType:   SockStream,
		InitSeq:    123456,
		MSS:        1500,
		FlowWindow: 8192,
		ReqType:    ReqConnect,
		SockID:     7,
		Cookie:     0xdeadbeef,
		PeerAddr:   net.ParseIP("192.168.1.42"),
	}
	got, err := DecodeHandshake(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h.Version, got.Version)
	assert.Equal(t, h.SockType, got.SockType)
	assert.Equal(t, h.InitSeq, got.InitSeq)
	assert.Equal(t, h.MSS, got.MSS)
	assert.Equal(t, h.FlowWindow, got.FlowWindow)
	assert.Equal(t, h.ReqType, got.ReqType)
	assert.Equal(t, h.SockID, got.SockID)
	assert.Equal(t, h.Cookie, got.Cookie)
	assert.True(t, h.PeerAddr.Equal(got.PeerAddr))
}

func TestHandshakeEncodeRendezvousAndResponseRequestTypesRoundTrip(t *testing.T) {
	for _, rt := range []RequestType{ReqRendezvous, ReqRendezvousAck1, ReqRendezvousAck2} {
		h := Handshake{ReqType: rt, PeerAddr: net.ParseIP("::1")}
		got, err := DecodeHandshake(h.Encode())
		require.NoError(t, err)
		assert.Equal(t, rt, got.ReqType)
	}
}

func TestHandshakeInitSeqMaskedToSequenceSpace(t *testing.T) {
	h := Handshake{InitSeq: seqMax + 5, PeerAddr: net.ParseIP("::1")}
	got, err := DecodeHandshake(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(seqMax+5)&seqMax, got.InitSeq)
}

func TestDecodeHandshakeRejectsShortPayload(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, handshakeWireSize-1))
	assert.Error(t, err)
}

func TestHandshakeCookieDeterministicPerAddress(t *testing.T) {
	addr1 := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}
	addr2 := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}

	a := handshakeCookie(99, addr1)
	b := handshakeCookie(99, addr1)
	c := handshakeCookie(99, addr2)

	assert.Equal(t, a, b, "same secret and address must always produce the same cookie")
	assert.NotEqual(t, a, c, "different addresses should (almost certainly) produce different cookies")
}

func TestHandshakeCookieDependsOnSecret(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}
	a := handshakeCookie(1, addr)
	b := handshakeCookie(2, addr)
	assert.NotEqual(t, a, b)
}
