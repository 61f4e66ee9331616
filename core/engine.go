// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Default values for spec §6's recognized options.
const (
	DefaultMSS             = 1500
	DefaultFlowWindow      = 8192
	DefaultSendBufferBytes = 4 << 20
	DefaultRecvBufferBytes = 4 << 20
	defaultAckIntervalUS   = 10_000
	defaultNAKFloorUS      = 20_000
	defaultSynIntervalUS   = 10_000
	expMaxFirings          = 16
	expMinTotalUS          = 10_000_000
)

// ErrFlowBroken is returned by Send/Recv once the flow has been marked
// broken (spec §7).
var ErrFlowBroken = errors.New("udt: flow broken")

// ErrFlowClosed is returned by operations on a flow after Close.
var ErrFlowClosed = errors.New("udt: flow closed")

// Stats mirrors the spec §6 get_stats(flow) surface. Field names and
// shape are grounded on the teacher's Stats struct (utp_h.go).
type Stats struct {
	NBytesRecv uint64
	NBytesXmit uint64
	ReXmit     uint32
	FastReXmit uint32
	NXmit      uint32
	NRecv      uint32
	NDupRecv   uint32
	RTTUS      int64
	RTTVarUS   int64
	BandwidthPPS float64
	RecvRatePPS  float64
	CwndPackets  float64
	SendIntervalUS float64
}

// Config carries the recognized options from spec §6.
type Config struct {
	MSS                     int
	FlowWindow              uint32
	SendBufferBytes         int
	RecvBufferBytes         int
	MaxBandwidthBytesPerSec int
	LingerMS                int
	ControllerFactory       ControllerFactory
	FrameAware              bool
	Logger                  logr.Logger
}

// DefaultConfig returns the spec §6 default option values.
func DefaultConfig() Config {
	return Config{
		MSS:             DefaultMSS,
		FlowWindow:      DefaultFlowWindow,
		SendBufferBytes: DefaultSendBufferBytes,
		RecvBufferBytes: DefaultRecvBufferBytes,
		ControllerFactory: func() Controller { return NewDefaultController() },
		Logger:            logr.Discard(),
	}
}

// Engine is the per-flow connection state machine: spec §4.6-§4.9's
// pack_next/process_data/process_ctrl/timer loop, owning its send buffer,
// receive buffer, loss lists, and timers exclusively (spec §3
// "Ownership"). It does not open or multiplex UDP sockets itself - that
// boundary is deliberately out of the core's scope (spec §1) and lives in
// the sibling udt package; Engine instead calls the caller-supplied sendFn
// (a func(Packet) error) and is fed inbound packets via Deliver.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg    Config
	logger logr.Logger

	sendFn   func(Packet) error
	peerAddr *net.UDPAddr

	localSockID uint32
	peerSockID  uint32
	startTime   time.Time

	mss        int
	flowWindow uint32 // peer-advertised cap on our outstanding packets
	cwndCap    int

	sendBuf      *SendBuffer
	recvBuf      *RecvBuffer
	senderLoss   *SenderLossList
	receiverLoss *ReceiverLossList
	ackWindow    *AckWindow
	arrival      *ArrivalWindow
	controller   Controller
	pacer        *Pacer

	// Outbound direction: our own stream to the peer.
	initSeq      uint32
	lastSentSeq  uint32 // last sequence number assigned to an outgoing data packet
	haveSent     bool
	lastAckedSeq uint32 // sequences < this are fully ACKed by the peer

	// Inbound direction: the peer's stream to us. The peer picks its own
	// initial sequence independently of ours (spec §4.8 handshake).
	peerInitSeq     uint32
	lastRecvSeq     uint32 // highest contiguous+ sequence received ("last_received")
	haveRecv        bool
	lastArrivalAtUS uint64
	haveArrival     bool

	ackSubSeq        uint32
	lastAckSeqSent   uint32 // for the ACK timer's "unless it would duplicate" dedupe
	haveAckSeqSent   bool
	lastAckAvailSent int

	rttUS    int64
	rttVarUS int64
	haveRTT  bool

	nextACKAtUS uint64
	nextNAKAtUS uint64
	nextEXPAtUS uint64
	nextSynAtUS uint64
	expCount    int
	expTotalUS  uint64

	state State_
	stats Stats

	inbox  chan Packet
	closed bool

	onStateChange func(State_)
	pendingFrame  *FrameMeta
}

// State_ is the exit/connection state surfaced to the application (spec
// §6 "Exit conditions"). Named with a trailing underscore only to avoid
// colliding with the Header.Boundary-style "State" noun used informally
// elsewhere in comments; Engine.State() reports the current value.
type State_ int

const (
	StateConnecting State_ = iota
	StateEstablished
	StateClosedClean
	StateRemoteReset
	StateBrokenState
	StateLocalAbort
)

// NewEngine constructs an Engine in StateConnecting; the handshake itself
// is run outside the engine, which SeedFromHandshake then seeds with the
// negotiated values to reach StateEstablished. sendFn is
// called with every outgoing packet (control or data); the caller is
// responsible for actually writing it to the wire (e.g. via the process-
// wide send queue described in spec §5).
func NewEngine(cfg Config, sendFn func(Packet) error, peerAddr *net.UDPAddr) *Engine {
	if cfg.MSS == 0 {
		cfg = DefaultConfig()
	}
	if cfg.ControllerFactory == nil {
		cfg.ControllerFactory = func() Controller { return NewDefaultController() }
	}
	e := &Engine{
		cfg:          cfg,
		logger:       cfg.Logger,
		sendFn:       sendFn,
		peerAddr:     peerAddr,
		mss:          cfg.MSS,
		flowWindow:   cfg.FlowWindow,
		senderLoss:   NewSenderLossList(),
		receiverLoss: NewReceiverLossList(),
		ackWindow:    NewAckWindow(),
		arrival:      NewArrivalWindow(),
		pacer:        NewPacer(cfg.MaxBandwidthBytesPerSec),
		startTime:    time.Now(),
		inbox:        make(chan Packet, 256),
		state:        StateConnecting,
	}
	e.cond = sync.NewCond(&e.mu)
	e.cwndCap = cfg.RecvBufferBytes / cfg.MSS
	if e.cwndCap < initialCwndPackets {
		e.cwndCap = initialCwndPackets * 4
	}
	windowPackets := cfg.RecvBufferBytes / cfg.MSS
	if windowPackets < 64 {
		windowPackets = 64
	}
	e.recvBuf = NewRecvBuffer(windowPackets, 0)
	e.sendBuf = NewSendBuffer(cfg.MSS, cfg.SendBufferBytes)
	return e
}

func (e *Engine) nowUS() uint64 {
	return uint64(time.Since(e.startTime).Microseconds())
}

// setStateLocked transitions the engine's exit/connection state, notifying
// onStateChange (if set) and waking any blocked Send/Recv/Close callers.
// Callers must already hold e.mu.
func (e *Engine) setStateLocked(s State_) {
	e.state = s
	if e.onStateChange != nil {
		e.onStateChange(s)
	}
	e.cond.Broadcast()
}

// --- Handshake (spec §4.8 "Handshake (0)") ---

// SeedFromHandshake adopts the negotiated parameters from a completed
// handshake (spec §4.8: "both sides adopt a random initial sequence,
// exchange MSS/flow-window/socket id"). myInitSeq is the sequence number
// this side chose for its own outbound stream; peerInitSeq is the one the
// peer chose for its stream to us - the two are independent.
func (e *Engine) SeedFromHandshake(localSockID, peerSockID, myInitSeq, peerInitSeq uint32, peerMSS int, peerFlowWindow uint32, hints *DestHints) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.localSockID = localSockID
	e.peerSockID = peerSockID

	e.initSeq = myInitSeq & seqMax
	e.lastAckedSeq = e.initSeq
	e.lastSentSeq = decSeq(e.initSeq)
	e.haveSent = false

	e.peerInitSeq = peerInitSeq & seqMax
	e.lastRecvSeq = decSeq(e.peerInitSeq)
	e.haveRecv = false
	e.haveArrival = false
	e.recvBuf.Reset(e.peerInitSeq)

	if peerMSS > 0 && peerMSS < e.mss {
		e.mss = peerMSS
		e.sendBuf = NewSendBuffer(e.mss, e.cfg.SendBufferBytes)
	}
	if peerFlowWindow > 0 {
		e.flowWindow = peerFlowWindow
	}
	e.controller = e.cfg.ControllerFactory()
	e.controller.Init(e.mss, e.initSeq, e.cwndCap)
	if hints != nil {
		e.controller.SetRTT(hints.RTTUS)
		e.controller.SetBandwidth(hints.BandwidthPPS)
		e.rttUS = hints.RTTUS
		e.rttVarUS = hints.RTTUS / 2
		e.haveRTT = hints.RTTUS > 0
	} else {
		// Bootstrap RTT from a plausible default rather than leaving it
		// at zero, which would make the NAK timer's floor degenerate
		// (spec §9 "Synchronization-on-ack-of-ack for RTT bootstrap").
		e.rttUS = 100_000
		e.rttVarUS = 50_000
	}
	now := e.nowUS()
	e.nextACKAtUS = now + defaultAckIntervalUS
	e.nextNAKAtUS = now + e.nakIntervalUSLocked()
	e.nextEXPAtUS = now + e.expIntervalUSLocked()
	e.nextSynAtUS = now + defaultSynIntervalUS
	e.setStateLocked(StateEstablished)
}

func (e *Engine) nakIntervalUSLocked() uint64 {
	v := uint64(e.rttUS + 4*e.rttVarUS)
	if v < defaultNAKFloorUS {
		v = defaultNAKFloorUS
	}
	return v
}

func (e *Engine) expIntervalUSLocked() uint64 {
	base := uint64(e.rttUS+4*e.rttVarUS) * uint64(e.expCount+1)
	return base + defaultSynIntervalUS
}

// --- Run: the two per-flow tasks (spec §5) ---

// Run starts the sender task (pack_next + the ACK/NAK/EXP/SYN timer loop)
// and the receiver task (draining Deliver'd packets), returning when ctx
// is cancelled or the flow breaks.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Go(func() error {
		// senderLoop returns once the flow is done; stop the receiver too.
		defer cancel()
		return e.senderLoop(ctx)
	})
	g.Go(func() error { return e.receiverLoop(ctx) })
	return g.Wait()
}

func (e *Engine) senderLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if e.isDone() {
			return nil
		}

		now := time.Now()
		e.tick(now)
		e.DropExpiredSends()

		pkt, nextAt, hasPkt := e.packNext(now)
		if hasPkt {
			if err := e.pacer.WaitN(ctx, len(pkt.Payload)+pkt.Header.EncodedSize()); err != nil {
				continue
			}
			if err := e.sendFn(pkt); err != nil {
				e.logger.V(1).Info("transient send failure, will retry", "error", err.Error())
			}
		}

		sleep := nextAt.Sub(now)
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		if sleep > 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}
		timer.Reset(sleep)
	}
}

func (e *Engine) receiverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-e.inbox:
			now := time.Now()
			if pkt.Header.IsControl {
				e.processCtrl(pkt, now)
			} else {
				e.processData(pkt, now)
			}
			e.wake()
		}
	}
}

// Deliver hands an inbound packet, already demultiplexed to this flow by
// destination id, to the receiver task.
func (e *Engine) Deliver(pkt Packet) {
	select {
	case e.inbox <- pkt:
	default:
		// Receiver task is backed up; drop rather than block the shared
		// demultiplexer (spec §5 "lock-free per direction" - the
		// multiplexer must never stall on a slow flow).
		e.logger.V(1).Info("inbox full, dropping inbound packet")
	}
}

func (e *Engine) isDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateBrokenState || e.state == StateClosedClean || e.state == StateRemoteReset || e.state == StateLocalAbort
}

func (e *Engine) wake() { e.cond.Broadcast() }

// --- pack_next (spec §4.6) ---

func (e *Engine) packNext(now time.Time) (pkt Packet, nextAt time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEstablished {
		return Packet{}, now.Add(time.Millisecond), false
	}

	nowUS := e.nowUS()

	// Step 1: retransmission takes priority over new data (spec §5
	// ordering guarantee (c)).
	if !e.senderLoss.Empty() {
		seq, _ := e.senderLoss.PopLowest()
		payload, msgNo, boundary, ordered, frameMeta, expired, found := e.sendBuf.ReadRetrans(seq)
		if !found {
			// Already fully ACKed out from under us; nothing to resend.
			return Packet{}, now, false
		}
		if expired {
			return e.packDropLocked(msgNo, seq, seq, true, nowUS), now, true
		}
		e.stats.ReXmit++
		e.stats.NXmit++
		pkt = e.buildDataPacketLocked(seq, payload, msgNo, boundary, ordered, frameMeta, nowUS)
		if e.controller != nil {
			e.controller.OnPktSent(seq)
		}
		return pkt, now, true
	}

	// Step 2: flow/congestion window check.
	outstanding := seqLen(e.lastAckedSeq, incSeq(e.lastSentSeqOrInit()))
	windowCap := int(e.flowWindow)
	if e.controller != nil {
		if cw := int(e.controller.CwndPackets()); cw < windowCap {
			windowCap = cw
		}
	}
	if outstanding >= windowCap {
		return Packet{}, now.Add(time.Millisecond), false
	}

	// Step 3: read next new chunk.
	nextSeq := e.initSeq
	if e.haveSent {
		nextSeq = incSeq(e.lastSentSeq)
	}
	payload, msgNo, boundary, ordered, frameMeta, found := e.sendBuf.ReadNext(nextSeq)
	if !found {
		return Packet{}, now.Add(time.Millisecond), false
	}
	e.lastSentSeq = nextSeq
	e.haveSent = true
	e.stats.NXmit++

	pkt = e.buildDataPacketLocked(nextSeq, payload, msgNo, boundary, ordered, frameMeta, nowUS)
	if e.controller != nil {
		e.controller.OnPktSent(nextSeq)
	}

	// Probe pair: every 16th sequence is immediately followed by its
	// successor with no pacing gap (spec §4.6 step 3).
	isProbe := nextSeq&0xF == 0
	var interval float64
	if e.controller != nil {
		interval = e.controller.SendIntervalUS()
	}
	if isProbe {
		nextAt = now
	} else {
		nextAt = now.Add(time.Duration(interval * float64(time.Microsecond)))
	}
	return pkt, nextAt, true
}

func (e *Engine) lastSentSeqOrInit() uint32 {
	if e.haveSent {
		return e.lastSentSeq
	}
	return decSeq(e.initSeq)
}

func (e *Engine) buildDataPacketLocked(seq uint32, payload []byte, msgNo uint32, boundary Boundary, ordered bool, frameMeta *FrameMeta, nowUS uint64) Packet {
	h := Header{
		Seq:       seq,
		Boundary:  boundary,
		InOrder:   ordered,
		MsgNo:     msgNo,
		Timestamp: uint32(nowUS),
		DestID:    e.peerSockID,
	}
	if e.cfg.FrameAware && frameMeta != nil {
		h.HasFrameMeta = true
		h.FrameID = frameMeta.FrameID
		h.ChunkID = frameMeta.ChunkID
		h.TotalChunks = frameMeta.TotalChunks
		// Absolute microseconds since connection start (spec §9's
		// resolution of the frame-deadline open question); carried in
		// the dedicated word-5 extension rather than by repurposing the
		// timestamp word, so RTT measurement via ACK/ACK2 is unaffected.
		h.FrameDeadlineUS = uint32(frameMeta.DeadlineUS)
	}
	e.stats.NBytesXmit += uint64(len(payload))
	return Packet{Header: h, Payload: payload}
}

// packDropLocked builds a drop-message control. The wire payload carries
// the covered sequence range in addition to msgNo, so the receiver can
// clear the same range from its loss list and advance its ACK cursor past
// it even when it never received a single byte of the message (spec §4.2
// drop_expired, §4.8 drop_message, §7 "Expired send"). hasRange is false
// only for a block dropped before it was ever chunked, which therefore
// has no sequence range to report.
func (e *Engine) packDropLocked(msgNo, lo, hi uint32, hasRange bool, nowUS uint64) Packet {
	payload := make([]byte, 0, 16)
	payload = appendU32(payload, msgNo)
	if hasRange {
		payload = appendU32(payload, 1)
		payload = appendU32(payload, lo)
		payload = appendU32(payload, hi)
		e.lastAckedSeq = incSeq(hi)
	} else {
		payload = appendU32(payload, 0)
		payload = appendU32(payload, 0)
		payload = appendU32(payload, 0)
	}
	return PackControl(CtrlDropReq, msgNo, e.peerSockID, uint32(nowUS), payload)
}

// --- process_data (spec §4.7) ---

func (e *Engine) processData(pkt Packet, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEstablished {
		return
	}
	nowUS := e.nowUS()
	e.expCount = 0
	e.nextEXPAtUS = nowUS + e.expIntervalUSLocked()

	seq := pkt.Header.Seq
	if e.controller != nil {
		e.controller.OnPktReceived(seq)
	}

	switch seq & 0xF {
	case 0:
		e.arrival.OnProbeFirst(nowUS)
	case 1:
		e.arrival.OnProbeSecond(nowUS)
	}

	if e.haveArrival {
		e.arrival.OnPacketArrival(nowUS - e.lastArrivalAtUS)
	}
	e.lastArrivalAtUS = nowUS
	e.haveArrival = true

	var frameMeta *FrameMeta
	if pkt.Header.HasFrameMeta {
		frameMeta = &FrameMeta{
			FrameID:     pkt.Header.FrameID,
			ChunkID:     pkt.Header.ChunkID,
			TotalChunks: pkt.Header.TotalChunks,
			DeadlineUS:  uint64(pkt.Header.FrameDeadlineUS),
		}
	}
	inserted, err := e.recvBuf.Insert(seq, pkt.Payload, pkt.Header.MsgNo, pkt.Header.Boundary, frameMeta)
	if err != nil {
		// Offset fell outside the window: behind the ACK cursor is a
		// straggling retransmit of data already delivered; ahead of the
		// window is a peer overrunning flow control. Spec §4.7 says drop
		// either way; only the former is worth counting as a duplicate.
		if seqCmp(seq, e.recvBuf.AckCursor()) < 0 {
			e.stats.NDupRecv++
		}
		return
	}
	if !inserted {
		e.stats.NDupRecv++
	} else {
		e.stats.NRecv++
		e.stats.NBytesRecv += uint64(len(pkt.Payload))
	}

	// lastRecvSeq is already primed to decSeq(peerInitSeq) by
	// SeedFromHandshake; haveRecv only needs latching here, not
	// recomputing from whatever packet happens to arrive first. Stomping
	// it from seq would mask a loss of the true first packet (the gap
	// would look like an ordinary start-of-stream rather than a drop).
	e.haveRecv = true

	if seqLess(e.lastRecvSeq, decSeq(seq)) && seqCmp(seq, incSeq(e.lastRecvSeq)) > 0 {
		lo, hi := incSeq(e.lastRecvSeq), decSeq(seq)
		e.receiverLoss.Insert(lo, hi)
		e.stats.FastReXmit++
		e.sendNAKLocked([][2]uint32{{lo, hi}}, nowUS)
	}
	if seqCmp(seq, e.lastRecvSeq) > 0 {
		e.lastRecvSeq = seq
	} else {
		e.receiverLoss.Remove(seq)
	}
}

func (e *Engine) sendNAKLocked(ranges [][2]uint32, nowUS uint64) {
	payload := EncodeNAKRanges(ranges)
	pkt := PackControl(CtrlNak, 0, e.peerSockID, uint32(nowUS), payload)
	e.unlockSend(pkt)
	e.nextNAKAtUS = nowUS + e.nakIntervalUSLocked()
}

// unlockSend releases the engine lock for the duration of the (possibly
// blocking) sendFn call, then re-acquires it, since callers of this
// helper are always already holding e.mu.
func (e *Engine) unlockSend(pkt Packet) {
	e.mu.Unlock()
	if err := e.sendFn(pkt); err != nil {
		e.logger.V(1).Info("transient send failure", "error", err.Error())
	}
	e.mu.Lock()
}

// --- process_ctrl (spec §4.8) ---

func (e *Engine) processCtrl(pkt Packet, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEstablished {
		return
	}
	nowUS := e.nowUS()

	switch pkt.Header.Type {
	case CtrlAck:
		e.handleAckLocked(pkt, nowUS)
	case CtrlAck2:
		e.handleAck2Locked(pkt, nowUS)
	case CtrlNak:
		e.handleNakLocked(pkt)
	case CtrlKeepalive:
		e.expCount = 0
		e.nextEXPAtUS = nowUS + e.expIntervalUSLocked()
	case CtrlShutdown:
		if e.sendBuf.Empty() {
			e.setStateLocked(StateClosedClean)
		} else {
			e.setStateLocked(StateRemoteReset)
		}
	case CtrlDropReq:
		if len(pkt.Payload) >= 16 {
			msgNo := beUint32(pkt.Payload)
			hasRange := beUint32(pkt.Payload[4:]) != 0
			lo := beUint32(pkt.Payload[8:])
			hi := beUint32(pkt.Payload[12:])
			e.recvBuf.DropMessage(msgNo)
			if hasRange {
				e.recvBuf.DropRange(lo, hi)
				e.receiverLoss.RemoveRange(lo, hi)
				// Keep last_received in step with the skipped range so a
				// later out-of-order arrival doesn't re-derive the same
				// gap and re-insert it into the loss list.
				if !e.haveRecv || seqCmp(hi, e.lastRecvSeq) > 0 {
					e.haveRecv = true
					e.lastRecvSeq = hi
				}
			}
		} else if len(pkt.Payload) >= 4 {
			e.recvBuf.DropMessage(beUint32(pkt.Payload))
		}
	case CtrlCongestionWarning:
		if e.controller != nil {
			e.controller.OnCongestionWarning()
		}
	case CtrlError:
		e.logger.V(1).Info("received error control packet", "info", pkt.Header.AdditionalInfo)
	}
}

// handleAckLocked processes an inbound ACK, which carries the peer's
// cumulative ack of our outbound stream. The ack sub-sequence identifier
// used to pair the ACK2 reply lives in the control header's additional-
// info word; the acknowledged data sequence and the receiver's advertised
// state live in the payload (spec §4.1's per-type payload layout, §4.8
// "ACK (2)").
func (e *Engine) handleAckLocked(pkt Packet, nowUS uint64) {
	if len(pkt.Payload) < 4 {
		e.logger.V(1).Info("malformed ACK payload, discarding")
		return
	}
	ack := beUint32(pkt.Payload)

	if seqCmp(ack, incSeq(e.lastSentSeqOrInit())) > 0 {
		e.logger.Info("ACK past last sent sequence, marking flow broken")
		e.setStateLocked(StateBrokenState)
		return
	}

	// Echo the ACK's own sub-sequence identifier back as the ACK2's
	// additional info so the peer can pair it against its ack window for
	// an RTT sample.
	ack2 := PackControl(CtrlAck2, pkt.Header.AdditionalInfo, e.peerSockID, uint32(nowUS), nil)
	e.unlockSend(ack2)

	if len(pkt.Payload) >= 16 {
		e.flowWindow = beUint32(pkt.Payload[12:16])
	}
	if len(pkt.Payload) >= 20 && e.controller != nil {
		e.controller.SetBandwidth(float64(beUint32(pkt.Payload[16:20])))
	}
	if len(pkt.Payload) >= 24 && e.controller != nil {
		e.controller.SetRecvRate(float64(beUint32(pkt.Payload[20:24])))
	}

	e.lastAckedSeq = ack
	e.sendBuf.AckThrough(ack)
	e.senderLoss.RemoveThrough(ack)

	if e.controller != nil {
		e.controller.OnACK(ack)
		e.controller.Tick(nowUS)
	}
}

func (e *Engine) handleAck2Locked(pkt Packet, nowUS uint64) {
	ackID := pkt.Header.AdditionalInfo
	sentAt, ok := e.ackWindow.Lookup(ackID)
	if !ok {
		return
	}
	sample := int64(nowUS - sentAt)
	e.updateRTTLocked(sample)
}

func (e *Engine) updateRTTLocked(sampleUS int64) {
	if !e.haveRTT {
		e.rttUS = sampleUS
		e.rttVarUS = sampleUS / 2
		e.haveRTT = true
	} else {
		diff := sampleUS - e.rttUS
		if diff < 0 {
			diff = -diff
		}
		e.rttUS = (7*e.rttUS + sampleUS) / 8
		e.rttVarUS = (3*e.rttVarUS + diff) / 4
	}
	if e.controller != nil {
		e.controller.SetRTT(e.rttUS)
	}
}

func (e *Engine) handleNakLocked(pkt Packet) {
	ranges, err := DecodeNAK(pkt.Payload)
	if err != nil {
		// Spec §9 open question resolution: log and discard, do not
		// break the flow.
		e.logger.V(1).Info("malformed NAK, discarding", "error", err.Error())
		return
	}
	for _, r := range ranges {
		if seqLess(r[1], r[0]) {
			e.logger.V(1).Info("NAK range endpoints inverted, discarding")
			return
		}
	}
	// Controller sees the loss before the loss list is mutated (spec
	// §4.8 "so pacing adjusts before retransmits are queued").
	if e.controller != nil {
		e.controller.OnLoss(ranges)
	}
	for _, r := range ranges {
		e.senderLoss.Insert(r[0], r[1])
	}
}

// --- Timer loop (spec §4.9) ---

func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEstablished {
		return
	}
	nowUS := e.nowUS()

	if nowUS >= e.nextACKAtUS {
		e.emitACKLocked(nowUS)
	}
	if nowUS >= e.nextNAKAtUS && !e.receiverLoss.Empty() {
		e.sendNAKLocked(e.receiverLoss.Ranges(), nowUS)
	}
	if nowUS >= e.nextEXPAtUS {
		e.onExpLocked(nowUS)
	}
	if nowUS >= e.nextSynAtUS {
		if e.controller != nil {
			e.controller.Tick(nowUS)
		}
		e.nextSynAtUS = nowUS + defaultSynIntervalUS
	}

	if bw := e.arrival.EstimateBandwidthPPS(); bw > 0 && e.controller != nil {
		e.controller.SetBandwidth(bw)
	}
	if rr := e.arrival.EstimateRecvRatePPS(); rr > 0 && e.controller != nil {
		e.controller.SetRecvRate(rr)
	}
}

// emitACKLocked sends a full ACK for the receive side's current contiguous
// cursor, unless it would exactly duplicate the last one sent (spec §4.9
// ACK timer: "emits a full ACK unless it would duplicate the last one").
// The wire layout puts the ack sub-sequence identifier (for ACK2 pairing)
// in the control header's additional-info word, and the acknowledged
// sequence plus RTT/buffer/bandwidth estimates in the payload.
func (e *Engine) emitACKLocked(nowUS uint64) {
	ackSeq := e.recvBuf.AckCursor()
	avail := e.recvBuf.Available()

	if e.haveAckSeqSent && ackSeq == e.lastAckSeqSent && avail == e.lastAckAvailSent {
		e.nextACKAtUS = nowUS + defaultAckIntervalUS
		return
	}

	payload := make([]byte, 0, 24)
	payload = appendU32(payload, ackSeq)
	payload = appendU32(payload, uint32(e.rttUS))
	payload = appendU32(payload, uint32(e.rttVarUS))
	payload = appendU32(payload, uint32(avail))
	if bw := e.arrival.EstimateBandwidthPPS(); bw > 0 {
		payload = appendU32(payload, uint32(bw))
		if rr := e.arrival.EstimateRecvRatePPS(); rr > 0 {
			payload = appendU32(payload, uint32(rr))
		}
	}

	e.ackSubSeq = incSeq(e.ackSubSeq)
	e.ackWindow.Record(e.ackSubSeq, nowUS)
	h := Header{
		IsControl:      true,
		Type:           CtrlAck,
		AdditionalInfo: e.ackSubSeq,
		Timestamp:      uint32(nowUS),
		DestID:         e.peerSockID,
	}
	pkt := Packet{Header: h, Payload: payload}
	e.unlockSend(pkt)

	e.lastAckSeqSent = ackSeq
	e.lastAckAvailSent = avail
	e.haveAckSeqSent = true

	interval := uint64(defaultAckIntervalUS)
	if e.controller != nil {
		if ai := e.controller.AckIntervalUS(); ai != 0 {
			interval = ai
		}
	}
	e.nextACKAtUS = nowUS + interval
}

func (e *Engine) onExpLocked(nowUS uint64) {
	e.expCount++
	e.expTotalUS += e.expIntervalUSLocked()
	if e.expCount >= expMaxFirings && e.expTotalUS >= expMinTotalUS {
		e.setStateLocked(StateBrokenState)
		return
	}

	keepalive := PackControl(CtrlKeepalive, 0, e.peerSockID, uint32(nowUS), nil)
	e.unlockSend(keepalive)

	if e.controller != nil {
		e.controller.OnTimeout()
	}

	// Aggressive retransmit: re-insert the entire un-ACKed window.
	if e.haveSent && seqLess(e.lastAckedSeq, e.lastSentSeq) {
		e.senderLoss.Insert(e.lastAckedSeq, e.lastSentSeq)
	}
	e.nextEXPAtUS = nowUS + e.expIntervalUSLocked()
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// --- Application-facing boundary (spec §6) ---

// Send enqueues data for transmission, applying the frame metadata most
// recently set via SetNextFrameMetadata (if any) to exactly this block
// (spec §4.2's critical property: metadata travels with the block).
func (e *Engine) Send(data []byte, ttl time.Duration, ordered bool) error {
	e.mu.Lock()
	if e.state == StateBrokenState {
		e.mu.Unlock()
		return ErrFlowBroken
	}
	if e.state == StateClosedClean || e.state == StateRemoteReset || e.state == StateLocalAbort {
		e.mu.Unlock()
		return ErrFlowClosed
	}
	fm := e.pendingFrame
	e.pendingFrame = nil
	e.mu.Unlock()

	if _, err := e.sendBuf.Append(data, ttl, ordered, fm); err != nil {
		return err
	}
	e.wake()
	return nil
}

// SetNextFrameMetadata associates frame metadata with the next Send call
// only (spec §6, §9); it is per-block, never global.
func (e *Engine) SetNextFrameMetadata(frameID uint16, chunkID, totalChunks uint8, deadlineUS uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingFrame = &FrameMeta{FrameID: frameID, ChunkID: chunkID, TotalChunks: totalChunks, DeadlineUS: deadlineUS}
}

// Recv copies up to len(out) available bytes into out, blocking until at
// least one byte is available, the flow breaks, or it is closed with an
// empty buffer (spec §5 cancellation: "unblock with end-of-stream once
// the broken flag and an empty buffer coincide").
func (e *Engine) Recv(out []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		n := e.recvBuf.Read(out)
		if n > 0 {
			return n, nil
		}
		if e.state == StateBrokenState {
			return 0, ErrFlowBroken
		}
		if (e.state == StateClosedClean || e.state == StateRemoteReset) && e.recvBuf.ReadableBytes() == 0 {
			return 0, nil // EOF
		}
		e.cond.Wait()
	}
}

// RecvChunk is Recv plus the frame metadata attached to the message the
// returned bytes came from, if the flow is frame-aware (spec §6, §8
// property 6). meta is nil when the flow is not frame-aware or the block
// carried no metadata.
func (e *Engine) RecvChunk(out []byte) (int, *FrameMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		n, meta, hasFrame, ok := e.recvBuf.ReadChunk(out)
		if ok && n > 0 {
			if hasFrame {
				m := meta
				return n, &m, nil
			}
			return n, nil, nil
		}
		if e.state == StateBrokenState {
			return 0, nil, ErrFlowBroken
		}
		if (e.state == StateClosedClean || e.state == StateRemoteReset) && e.recvBuf.ReadableBytes() == 0 {
			return 0, nil, nil
		}
		e.cond.Wait()
	}
}

// Close initiates a clean shutdown: it marks the flow closed, emits a
// shutdown control packet, and closes the receive buffer (spec §5
// "Cancellation"). It does not wait for the send buffer to drain: once the
// state leaves Established the sender task stops, so data still queued or
// unacknowledged is not transmitted. Bytes already in the receive buffer
// remain readable through Recv.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	nowUS := e.nowUS()
	shutdown := PackControl(CtrlShutdown, 0, e.peerSockID, uint32(nowUS), nil)
	e.setStateLocked(StateClosedClean)
	e.mu.Unlock()

	e.recvBuf.Close()
	return e.sendFn(shutdown)
}

// GetStats returns a snapshot of the flow's statistics (spec §6).
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.RTTUS = e.rttUS
	s.RTTVarUS = e.rttVarUS
	if e.controller != nil {
		s.CwndPackets = e.controller.CwndPackets()
		s.SendIntervalUS = e.controller.SendIntervalUS()
	}
	s.BandwidthPPS = e.arrival.EstimateBandwidthPPS()
	s.RecvRatePPS = e.arrival.EstimateRecvRatePPS()
	return s
}

// State reports the current exit/connection state (spec §6).
func (e *Engine) State() State_ {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DropExpiredSends surfaces TTL-expired unsent messages as drop-message
// controls (spec §4.2 drop_expired, §7 "Expired send"). senderLoop calls
// it once per iteration, right after tick.
func (e *Engine) DropExpiredSends() {
	msgNo, lo, hi, hasRange, ok := e.sendBuf.DropExpired(time.Now())
	if !ok {
		return
	}
	e.mu.Lock()
	nowUS := e.nowUS()
	pkt := e.packDropLocked(msgNo, lo, hi, hasRange, nowUS)
	e.mu.Unlock()
	_ = e.sendFn(pkt)
}

// SetMaxBandwidth updates the pacer's byte-rate ceiling at runtime (spec §6
// set_option "maximum bandwidth cap"). 0 means unlimited.
func (e *Engine) SetMaxBandwidth(maxBytesPerSec int) {
	e.pacer.SetLimit(maxBytesPerSec)
}
