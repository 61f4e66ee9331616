// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/vrtransport/udt/core"
)

// Dial opens a UDT connection. network must be "udt", "udt4", or "udt6";
// any other network falls through to net.Dial, matching the teacher's
// dispatch pattern (utpgo.go's Dial).
func Dial(network, address string, opts ...Option) (net.Conn, error) {
	switch network {
	case "udt", "udt4", "udt6":
	default:
		return net.Dial(network, address)
	}
	udpAddr, err := net.ResolveUDPAddr("udp"+network[3:], address)
	if err != nil {
		return nil, err
	}
	return DialUDT(context.Background(), network, nil, udpAddr, opts...)
}

// DialUDT opens a UDT connection to raddr, optionally from laddr, running
// the two-stage cookie handshake (spec §4.8, §6) and retrying with
// exponential backoff until ctx is done or dialMaxAttempts is exceeded
// (spec §8 scenario S6).
func DialUDT(ctx context.Context, network string, laddr, raddr *net.UDPAddr, opts ...Option) (*Conn, error) {
	cfg := buildConfig(opts)
	mux, err := newMultiplexer(laddr, cfg.Logger)
	if err != nil {
		return nil, err
	}

	localSockID := randomUint32()
	pd := &pendingDial{
		raddr:    raddr,
		localSeq: randomSeq31(),
		cfg:      cfg,
		resultCh: make(chan dialResult, 1),
	}
	mux.mu.Lock()
	mux.pendingDials[localSockID] = pd
	mux.mu.Unlock()

	conn, err := mux.runDialHandshake(ctx, localSockID, pd)
	if err != nil {
		mux.mu.Lock()
		delete(mux.pendingDials, localSockID)
		mux.mu.Unlock()
		_ = mux.decRef()
		return nil, err
	}
	return conn, nil
}

// DialRendezvousUDT opens a UDT connection using the rendezvous handshake
// (request type 0, a supplemented feature): both peers must call this
// simultaneously, each dialing the other.
func DialRendezvousUDT(ctx context.Context, laddr, raddr *net.UDPAddr, opts ...Option) (*Conn, error) {
	cfg := buildConfig(opts)
	mux, err := newMultiplexer(laddr, cfg.Logger)
	if err != nil {
		return nil, err
	}

	localSockID := randomUint32()
	pd := &pendingDial{
		raddr:    raddr,
		localSeq: randomSeq31(),
		cfg:      cfg,
		resultCh: make(chan dialResult, 1),
	}
	mux.mu.Lock()
	mux.pendingDials[localSockID] = pd
	mux.mu.Unlock()

	req := core.Handshake{
		Version:    handshakeVersion,
		InitSeq:    pd.localSeq,
		MSS:        uint32(cfg.MSS),
		FlowWindow: cfg.FlowWindow,
		ReqType:    core.ReqRendezvous,
		SockID:     localSockID,
	}

	backoff := dialInitialBackoff
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 0; attempt < dialMaxAttempts; attempt++ {
		select {
		case <-timer.C:
		case <-ctx.Done():
			mux.mu.Lock()
			delete(mux.pendingDials, localSockID)
			mux.mu.Unlock()
			_ = mux.decRef()
			return nil, ctx.Err()
		}
		if err := mux.sendHandshake(req, 0, raddr); err != nil {
			_ = mux.decRef()
			return nil, err
		}
		select {
		case res := <-pd.resultCh:
			if res.err != nil {
				_ = mux.decRef()
				return nil, res.err
			}
			return res.conn, nil
		case <-time.After(backoff):
		case <-ctx.Done():
			mux.mu.Lock()
			delete(mux.pendingDials, localSockID)
			mux.mu.Unlock()
			_ = mux.decRef()
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > dialMaxBackoff {
			backoff = dialMaxBackoff
		}
		timer.Reset(0)
	}
	mux.mu.Lock()
	delete(mux.pendingDials, localSockID)
	mux.mu.Unlock()
	_ = mux.decRef()
	return nil, errDialTimedOut
}

// runDialHandshake drives the connect-request/cookie-challenge/connect-
// request/confirm exchange with retry+backoff (spec §8 S6).
func (m *multiplexer) runDialHandshake(ctx context.Context, localSockID uint32, pd *pendingDial) (*Conn, error) {
	initial := core.Handshake{
		Version:    handshakeVersion,
		InitSeq:    pd.localSeq,
		MSS:        uint32(pd.cfg.MSS),
		FlowWindow: pd.cfg.FlowWindow,
		ReqType:    core.ReqConnect,
		SockID:     localSockID,
		Cookie:     0,
	}

	backoff := dialInitialBackoff
	for attempt := 0; attempt < dialMaxAttempts; attempt++ {
		m.mu.Lock()
		cookie := pd.cookie
		haveCookie := pd.haveCookie
		m.mu.Unlock()

		req := initial
		if haveCookie {
			req.Cookie = cookie
		}
		if err := m.sendHandshake(req, 0, pd.raddr); err != nil {
			return nil, err
		}

		select {
		case res := <-pd.resultCh:
			if res.err != nil {
				return nil, res.err
			}
			return res.conn, nil
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > dialMaxBackoff {
			backoff = dialMaxBackoff
		}
	}
	return nil, errors.WithStack(errDialTimedOut)
}
