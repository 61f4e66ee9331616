// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/vrtransport/udt/core"
)

// handshakeVersion is the only wire version this module speaks.
const handshakeVersion = 4

// dialBackoff bounds the initiator's handshake retry schedule (spec §8
// scenario S6: "the initiator retries with backoff and eventually
// fails").
const (
	dialInitialBackoff = 200 * time.Millisecond
	dialMaxBackoff     = 2 * time.Second
	dialMaxAttempts    = 8
)

// multiplexer is the UDP receive demultiplexer named in spec §5: it owns
// one core.Channel, fans inbound datagrams out to per-flow core.Engines by
// destination id, and runs the stateless two-stage cookie handshake
// described in spec §6's request-type field before an Engine is ever
// created. Outbound packets are written straight to the channel by the
// engines; there is no separate send-queue task. Each DialUDT or ListenUDT
// call creates its own multiplexer, with its own socket and DestCache;
// multiplexers are not shared across calls, even for the same local
// address.
//
// Grounded on the teacher's socketManager (utpgo.go): same reference-
// counted lifecycle (incrementReferences/decrementReferences, here
// incRef/decRef, counting the creating dial or listener plus the flows
// that use the multiplexer), same
// single receiver goroutine reading the shared conn, generalized here with
// golang.org/x/sync/errgroup instead of bare `go` statements plus a
// hand-rolled close channel.
type multiplexer struct {
	channel *core.Channel
	cache   *core.DestCache
	logger  logr.Logger
	secret  uint32

	mu           sync.Mutex
	flows        map[uint32]*flowEntry // keyed by our localSockID
	pendingDials map[uint32]*pendingDial
	listener     *Listener // non-nil once a Listener is attached
	closed       bool

	refMu    sync.Mutex
	refCount int

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

type flowEntry struct {
	engine     *Conn
	cancel     context.CancelFunc
	frameAware bool
}

type pendingDial struct {
	raddr      *net.UDPAddr
	localSeq   uint32
	cookie     uint32
	haveCookie bool
	cfg        core.Config
	resultCh   chan dialResult
}

type dialResult struct {
	conn *Conn
	err  error
}

func newMultiplexer(localAddr *net.UDPAddr, logger logr.Logger) (*multiplexer, error) {
	ch, err := core.NewChannel(localAddr, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m := &multiplexer{
		channel:      ch,
		cache:        core.NewDestCache(),
		logger:       logger,
		secret:       randomUint32(),
		flows:        make(map[uint32]*flowEntry),
		pendingDials: make(map[uint32]*pendingDial),
		refCount:     1,
		g:            g,
		ctx:          ctx,
		cancel:       cancel,
	}
	g.Go(func() error { return m.recvLoop() })
	return m, nil
}

func (m *multiplexer) LocalAddr() net.Addr { return m.channel.LocalAddr() }

func (m *multiplexer) incRef() {
	m.refMu.Lock()
	m.refCount++
	m.refMu.Unlock()
}

func (m *multiplexer) decRef() error {
	m.refMu.Lock()
	m.refCount--
	done := m.refCount <= 0
	m.refMu.Unlock()
	if !done {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	err := m.channel.Close()
	_ = m.g.Wait()
	return err
}

// recvLoop is the single process-wide goroutine demultiplexing inbound
// datagrams by destination id (spec §5 "process-wide task... that
// demultiplexes inbound datagrams by destination identifier").
func (m *multiplexer) recvLoop() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := m.channel.Recv(buf)
		if err != nil {
			select {
			case <-m.ctx.Done():
				return nil
			default:
			}
			m.logger.V(1).Info("channel recv error", "error", err.Error())
			continue
		}
		m.dispatch(buf[:n], addr)
	}
}

// dispatch decodes just enough of the header to route the datagram, then
// (for data packets) re-decodes with the extended frame-aware header if
// the destination flow negotiated one. Frame-awareness can't be read off
// datagram length alone - a plain data packet and a frame-aware one can be
// the same size - so it must come from the flow's own configuration,
// which means routing (by DestID, always at bytes 12:16 regardless of any
// trailing frame words) has to happen before the header is fully decoded.
func (m *multiplexer) dispatch(data []byte, addr *net.UDPAddr) {
	base, err := core.ParsePacket(data, false)
	if err != nil {
		m.logger.V(1).Info("dropping unparseable datagram", "error", err.Error())
		return
	}

	if base.Header.IsControl && base.Header.Type == core.CtrlHandshake {
		base.Payload = append([]byte(nil), base.Payload...)
		m.handleHandshake(base, addr)
		return
	}

	m.mu.Lock()
	fe, ok := m.flows[base.Header.DestID]
	m.mu.Unlock()
	if !ok {
		m.logger.V(1).Info("dropping packet for unknown flow", "destID", base.Header.DestID)
		return
	}

	pkt := base
	if !base.Header.IsControl && fe.frameAware {
		pkt, err = core.ParsePacket(data, true)
		if err != nil {
			m.logger.V(1).Info("dropping unparseable frame-aware datagram", "error", err.Error())
			return
		}
	}
	// Copy the payload: ParsePacket aliases the caller's buffer, which the
	// receive loop reuses on the next iteration.
	pkt.Payload = append([]byte(nil), pkt.Payload...)
	fe.engine.engine.Deliver(pkt)
}

func (m *multiplexer) sendHandshake(h core.Handshake, destID uint32, addr *net.UDPAddr) error {
	pkt := core.PackControl(core.CtrlHandshake, 0, destID, 0, h.Encode())
	b := make([]byte, pkt.Header.EncodedSize()+len(pkt.Payload))
	n, err := pkt.Encode(b)
	if err != nil {
		return err
	}
	return m.channel.Send(b[:n], addr)
}

// handleHandshake dispatches one of the four messages in the two-stage
// cookie handshake (spec §4.8 "Handshake (0)", §6's request-type field):
// connect request (cookie 0), cookie-validated connect request, the
// stateless cookie challenge, and the final confirm. Also handles
// rendezvous (request type 0), a supplemented feature (SPEC_FULL.md).
func (m *multiplexer) handleHandshake(pkt core.Packet, addr *net.UDPAddr) {
	hs, err := core.DecodeHandshake(pkt.Payload)
	if err != nil {
		m.logger.V(1).Info("malformed handshake payload, discarding", "error", err.Error())
		return
	}
	if hs.Version != handshakeVersion {
		m.logger.V(1).Info("handshake version mismatch, discarding")
		return
	}

	switch hs.ReqType {
	case core.ReqConnect:
		m.handleConnectRequest(hs, addr)
	case core.ReqRendezvousAck1:
		m.handleCookieChallenge(hs, addr)
	case core.ReqRendezvousAck2:
		m.handleConnectConfirm(hs, addr)
	case core.ReqRendezvous:
		m.handleRendezvous(hs, addr)
	default:
		m.logger.V(1).Info("unknown handshake request type, discarding")
	}
}

// handleConnectRequest is the listener-side entry point. A request
// carrying no cookie gets a stateless challenge back (no state
// allocated); one carrying a cookie that matches what we'd compute for
// this address completes the handshake and creates the Engine. A
// nonmatching cookie is discarded outright (spec §8 S6).
func (m *multiplexer) handleConnectRequest(hs core.Handshake, addr *net.UDPAddr) {
	m.mu.Lock()
	lst := m.listener
	m.mu.Unlock()
	if lst == nil {
		return // no one is listening; ignore unsolicited connect requests
	}

	wantCookie := handshakeCookieFor(m.secret, addr)
	if hs.Cookie == 0 {
		reply := core.Handshake{
			Version: handshakeVersion,
			ReqType: core.ReqRendezvousAck1,
			Cookie:  wantCookie,
			SockID:  0,
		}
		_ = m.sendHandshake(reply, hs.SockID, addr)
		return
	}
	if hs.Cookie != wantCookie {
		m.logger.V(1).Info("handshake cookie mismatch, discarding", "remote", addr.String())
		return
	}

	cfg := lst.cfg
	localSockID := randomUint32()
	serverInitSeq := randomSeq31()
	conn := newConn(m, cfg, addr)
	conn.localSockID = localSockID
	hints, _ := m.cache.Lookup(addr.String())
	conn.engine.SeedFromHandshake(localSockID, hs.SockID, serverInitSeq, hs.InitSeq, int(hs.MSS), hs.FlowWindow, hintsOrNil(hints))

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.flows[localSockID] = &flowEntry{engine: conn, cancel: cancel, frameAware: cfg.FrameAware}
	m.mu.Unlock()
	m.incRef()
	m.g.Go(func() error {
		defer m.decRef()
		return conn.engine.Run(ctx)
	})

	reply := core.Handshake{
		Version:    handshakeVersion,
		InitSeq:    serverInitSeq,
		MSS:        uint32(cfg.MSS),
		FlowWindow: cfg.FlowWindow,
		ReqType:    core.ReqRendezvousAck2,
		SockID:     localSockID,
		Cookie:     hs.Cookie,
	}
	_ = m.sendHandshake(reply, hs.SockID, addr)

	select {
	case lst.acceptChan <- conn:
	default:
		m.logger.V(1).Info("accept backlog full, dropping new connection")
		_ = conn.Close()
	}
}

func (m *multiplexer) findPendingByAddr(addr *net.UDPAddr) (uint32, *pendingDial, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pd := range m.pendingDials {
		if pd.raddr.IP.Equal(addr.IP) && pd.raddr.Port == addr.Port {
			return id, pd, true
		}
	}
	return 0, nil, false
}

// handleCookieChallenge is the dial-side reaction to the first stage
// response: remember the cookie and resend the connect request with it
// filled in.
func (m *multiplexer) handleCookieChallenge(hs core.Handshake, addr *net.UDPAddr) {
	localSockID, pd, ok := m.findPendingByAddr(addr)
	if !ok {
		return
	}
	m.mu.Lock()
	pd.cookie = hs.Cookie
	pd.haveCookie = true
	m.mu.Unlock()

	req := core.Handshake{
		Version:    handshakeVersion,
		InitSeq:    pd.localSeq,
		MSS:        uint32(pd.cfg.MSS),
		FlowWindow: pd.cfg.FlowWindow,
		ReqType:    core.ReqConnect,
		SockID:     localSockID,
		Cookie:     hs.Cookie,
	}
	_ = m.sendHandshake(req, 0, addr)
}

// handleConnectConfirm is the dial-side reaction to the final stage:
// create the Engine, seed it, and resolve the blocked Dial call.
func (m *multiplexer) handleConnectConfirm(hs core.Handshake, addr *net.UDPAddr) {
	localSockID, pd, ok := m.findPendingByAddr(addr)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.pendingDials, localSockID)
	m.mu.Unlock()

	conn := newConn(m, pd.cfg, addr)
	conn.localSockID = localSockID
	hints, _ := m.cache.Lookup(addr.String())
	conn.engine.SeedFromHandshake(localSockID, hs.SockID, pd.localSeq, hs.InitSeq, int(hs.MSS), hs.FlowWindow, hintsOrNil(hints))

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.flows[localSockID] = &flowEntry{engine: conn, cancel: cancel, frameAware: pd.cfg.FrameAware}
	m.mu.Unlock()
	m.incRef()
	m.g.Go(func() error {
		defer m.decRef()
		return conn.engine.Run(ctx)
	})

	pd.resultCh <- dialResult{conn: conn}
}

// handleRendezvous implements the supplemented rendezvous mode (request
// type 0): both peers dial each other directly with no cookie exchange.
func (m *multiplexer) handleRendezvous(hs core.Handshake, addr *net.UDPAddr) {
	localSockID, pd, ok := m.findPendingByAddr(addr)
	if !ok {
		return
	}
	m.mu.Lock()
	_, already := m.flows[localSockID]
	delete(m.pendingDials, localSockID)
	m.mu.Unlock()
	if already {
		return
	}

	conn := newConn(m, pd.cfg, addr)
	conn.localSockID = localSockID
	hints, _ := m.cache.Lookup(addr.String())
	conn.engine.SeedFromHandshake(localSockID, hs.SockID, pd.localSeq, hs.InitSeq, int(hs.MSS), hs.FlowWindow, hintsOrNil(hints))

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.flows[localSockID] = &flowEntry{engine: conn, cancel: cancel, frameAware: pd.cfg.FrameAware}
	m.mu.Unlock()
	m.incRef()
	m.g.Go(func() error {
		defer m.decRef()
		return conn.engine.Run(ctx)
	})

	// Echo back so the peer completes too, even if our own rendezvous
	// packet crossed in flight with theirs.
	reply := core.Handshake{
		Version:    handshakeVersion,
		InitSeq:    pd.localSeq,
		MSS:        uint32(pd.cfg.MSS),
		FlowWindow: pd.cfg.FlowWindow,
		ReqType:    core.ReqRendezvous,
		SockID:     localSockID,
	}
	_ = m.sendHandshake(reply, hs.SockID, addr)

	pd.resultCh <- dialResult{conn: conn}
}

func (m *multiplexer) removeFlow(localSockID uint32) {
	m.mu.Lock()
	fe, ok := m.flows[localSockID]
	if ok {
		delete(m.flows, localSockID)
	}
	m.mu.Unlock()
	if ok {
		fe.cancel()
	}
}

func hintsOrNil(h core.DestHints) *core.DestHints {
	if h == (core.DestHints{}) {
		return nil
	}
	return &h
}

func handshakeCookieFor(secret uint32, addr *net.UDPAddr) uint32 {
	h := secret
	for _, b := range addr.IP {
		h = h*31 + uint32(b)
	}
	h = h*31 + uint32(addr.Port)
	if h == 0 {
		h = 1 // reserve 0 to mean "no cookie yet"
	}
	return h
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("udt: failed to read random bytes: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// randomSeq31 returns a random initial sequence number in the 31-bit
// space data/message numbers live in (spec §3).
func randomSeq31() uint32 {
	return randomUint32() & 0x7FFFFFFF
}

var errDialTimedOut = errors.New("udt: dial timed out waiting for handshake response")
