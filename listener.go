// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"net"

	"github.com/vrtransport/udt/core"
)

// defaultAcceptBacklog matches the teacher's defaultUTPConnBacklogSize
// (utpgo.go).
const defaultAcceptBacklog = 5

// Listener accepts inbound flows on a shared UDP socket, implementing
// net.Listener. Grounded on the teacher's Listener (utpgo.go), but with
// the accept channel fed by the multiplexer's handshake handling instead
// of libutp's gotIncomingConnectionCallback.
type Listener struct {
	mux        *multiplexer
	cfg        core.Config
	acceptChan chan *Conn
	closed     chan struct{}
}

var _ net.Listener = (*Listener)(nil)

// Listen opens a listening UDT socket. network must be "udt", "udt4", or
// "udt6"; any other network falls through to net.Listen, matching the
// teacher's Dial/Listen dispatch pattern (utpgo.go).
func Listen(network, address string, opts ...Option) (net.Listener, error) {
	switch network {
	case "udt", "udt4", "udt6":
	default:
		return net.Listen(network, address)
	}
	udpAddr, err := net.ResolveUDPAddr("udp"+network[3:], address)
	if err != nil {
		return nil, err
	}
	return ListenUDT(network, udpAddr, opts...)
}

// ListenUDT opens a listening UDT socket bound to localAddr.
func ListenUDT(network string, localAddr *net.UDPAddr, opts ...Option) (*Listener, error) {
	cfg := buildConfig(opts)
	mux, err := newMultiplexer(localAddr, cfg.Logger)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		mux:        mux,
		cfg:        cfg,
		acceptChan: make(chan *Conn, defaultAcceptBacklog),
		closed:     make(chan struct{}),
	}
	mux.mu.Lock()
	mux.listener = l
	mux.mu.Unlock()
	return l, nil
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptUDT()
}

// AcceptUDT blocks until a new flow has completed its handshake.
func (l *Listener) AcceptUDT() (*Conn, error) {
	select {
	case c, ok := <-l.acceptChan:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// AcceptContext is Accept with cancellation, matching the naming the
// teacher's test suite uses for its context-aware accept loop
// (utpgo_test.go).
func (l *Listener) AcceptContext(ctx context.Context) (*Conn, error) {
	select {
	case c, ok := <-l.acceptChan:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new flows and releases the shared multiplexer if
// no other Conn or Listener is still using it.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
		return net.ErrClosed
	default:
		close(l.closed)
	}
	l.mux.mu.Lock()
	l.mux.listener = nil
	l.mux.mu.Unlock()
	return l.mux.decRef()
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr { return l.mux.LocalAddr() }
