package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// flowRecord is one queued outgoing flow-channel record, coded as its own
// small fountain block (§4.6 discretizes the spec's continuous flow
// accumulator into one source per record; this keeps the same
// incremental-decode machinery §4.2 already provides, and records still
// drain to the peer strictly in the order they were written).
type flowRecord struct {
	seq    uint32
	source *FountainSource
}

type flowRecvSlot struct {
	sink *FountainSink
}

type pullTarget struct {
	digest Identifier
	sink   *FountainSink
}

type pushTarget struct {
	digest          Identifier
	source          *FountainSource
	remainingTokens float64
}

// Handler is the per-link coded-transport multiplexer (§4.6): one flow
// channel carrying opaque records, one side channel carrying block
// deliveries, sharing a single congestion window. Handler serves exactly
// one link (local_user, remote_user, node), built over an established
// Tunnel's DTLS connection.
type Handler struct {
	conn net.Conn
	algo HashAlgorithm

	mu   sync.Mutex
	cong *congestionState

	nextOutSeq       uint32
	flowOutQueue     []*flowRecord
	flowRecvSeen     uint32
	flowRecvDecoded  uint32
	flowRecvSlots    map[uint32]*flowRecvSlot
	flowDeliverUpTo  uint32
	peerFlowDecoded  uint32

	pullQueue  []*pullTarget
	pushQueue  []*pushTarget
	sideSent   uint32
	sideRecvOK uint32
	peerSide   uint32

	lastSendAt time.Time

	// OnRecord is invoked, in write order, for every fully decoded flow
	// record (§5 "within a single handler's flow channel, record delivery
	// is FIFO").
	OnRecord func(recordType string, payload []byte)
	// OnBlockDecoded is invoked once per fully decoded side-channel target.
	OnBlockDecoded func(digest Identifier, data []byte)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHandler constructs a handler over an already-authenticated connection
// (typically a Tunnel's DTLS conn, §4.5's "a Network::Handler is
// constructed over the tunnel").
func NewHandler(conn net.Conn, algo HashAlgorithm) *Handler {
	return &Handler{
		conn:          conn,
		algo:          algo,
		cong:          newCongestionState(),
		flowRecvSlots: make(map[uint32]*flowRecvSlot),
		closed:        make(chan struct{}),
	}
}

// Write queues one flow-channel record (type, payload) for delivery,
// serialized as `NUL-terminated type` then `NUL-terminated JSON payload`
// (§4.6).
func (h *Handler) Write(recordType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("handler write: marshal payload: %w", err)
	}
	data := make([]byte, 0, len(recordType)+1+len(body)+1)
	data = append(data, []byte(recordType)...)
	data = append(data, 0)
	data = append(data, body...)
	data = append(data, 0)

	h.mu.Lock()
	seq := h.nextOutSeq
	h.nextOutSeq++
	h.flowOutQueue = append(h.flowOutQueue, &flowRecord{
		seq:    seq,
		source: NewFountainSource(data, DefaultFountainSymbolSize),
	})
	h.mu.Unlock()
	return nil
}

// RequestBlock registers digest as a side-channel pull target: the handler
// will emit no combinations for it itself (pulling is request-only), but
// will accept and decode inbound combinations addressed to it.
func (h *Handler) RequestBlock(digest Identifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.pullQueue {
		if t.digest == digest {
			return
		}
	}
	h.pullQueue = append(h.pullQueue, &pullTarget{digest: digest, sink: NewFountainSink(DefaultFountainSymbolSize)})
}

// PushBlock schedules data (identified by digest) for side-channel delivery
// to the peer at rate tokens*redundancy (§4.9's "schedules side-channel
// pushes of target to the calling node at rate tokens × redundancy").
func (h *Handler) PushBlock(digest Identifier, data []byte, tokens float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushQueue = append(h.pushQueue, &pushTarget{
		digest:          digest,
		source:          NewFountainSource(data, DefaultFountainSymbolSize),
		remainingTokens: tokens * h.cong.redundancy,
	})
}

// Close stops the handler; pending queues are discarded without draining
// (§5 "closing a handler drains neither its inbound queue nor its outbound
// queue").
func (h *Handler) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return h.conn.Close()
}

// Run drives the handler's send pacing, receive loop and alarms until ctx
// is done or the connection closes.
func (h *Handler) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.recvLoop() }()

	ticker := time.NewTicker(DefaultRetransmitTimeout / 10)
	defer ticker.Stop()
	keepalive := time.NewTicker(DefaultKeepaliveTimeout)
	defer keepalive.Stop()
	retransmit := time.NewTicker(DefaultRetransmitTimeout)
	defer retransmit.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			return ctx.Err()
		case <-h.closed:
			return nil
		case err := <-errCh:
			_ = h.Close()
			return err
		case <-ticker.C:
			h.pump()
		case <-retransmit.C:
			h.mu.Lock()
			idle := time.Since(h.lastSendAt) >= DefaultRetransmitTimeout
			h.mu.Unlock()
			if idle {
				h.sendDummy()
			}
		case <-keepalive.C:
			h.mu.Lock()
			idle := time.Since(h.lastSendAt) >= DefaultKeepaliveTimeout
			h.mu.Unlock()
			if idle {
				h.sendDummy()
			}
		}
	}
}

// pump emits combinations while tokens and work both remain, per §4.6's
// pacing rule.
func (h *Handler) pump() {
	for {
		h.mu.Lock()
		if !h.cong.consume() {
			h.mu.Unlock()
			return
		}
		frame, ok := h.buildNextFrame()
		if !ok {
			// nothing to send; refund the token and stop.
			h.cong.availableTokens++
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		if err := h.sendFrame(frame); err != nil {
			return
		}
	}
}

// buildNextFrame selects flow work over side work when the flow queue has
// pending records, else the oldest side target (§4.6's queue selection).
// Caller must hold h.mu.
func (h *Handler) buildNextFrame() (*Frame, bool) {
	if len(h.flowOutQueue) > 0 {
		rec := h.flowOutQueue[0]
		comb := rec.source.Generate()
		return h.frameFor(nil, rec.seq, comb), true
	}
	for len(h.pushQueue) > 0 {
		t := h.pushQueue[0]
		if t.remainingTokens < 1 {
			h.pushQueue = h.pushQueue[1:]
			continue
		}
		t.remainingTokens--
		comb := t.source.Generate()
		digest := t.digest
		return h.frameFor(digest[:], 0, comb), true
	}
	return nil, false
}

func (h *Handler) frameFor(target []byte, seq uint32, comb *Combination) *Frame {
	return &Frame{
		HasSideAck:  true,
		Target:      target,
		Sequence:    seq,
		NextSeen:    h.flowRecvSeen,
		NextDecoded: h.flowRecvDecoded,
		SideSeen:    h.sideRecvOK,
		SideCount:   h.sideSent,
		Comb:        comb,
	}
}

func (h *Handler) sendDummy() {
	h.mu.Lock()
	frame := h.frameFor(nil, h.nextOutSeq, &Combination{FirstComponent: 0, LastComponent: 0, Coefficients: []byte{0}, Payload: nil, TotalLength: 0})
	h.mu.Unlock()
	_ = h.sendFrame(frame)
}

func (h *Handler) sendFrame(f *Frame) error {
	encoded, err := f.Encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.lastSendAt = time.Now()
	h.mu.Unlock()
	_, err = h.conn.Write(encoded)
	return err
}

func (h *Handler) recvLoop() error {
	buf := make([]byte, 1<<16)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			return err
		}
		frame, err := DecodeFrame(buf[:n])
		if err != nil {
			continue // malformed frame: drop, matching overlay's best-effort delivery
		}
		h.handleFrame(frame)
	}
}

func (h *Handler) handleFrame(f *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	received := float64(0)
	if f.NextDecoded > h.peerFlowDecoded {
		received += float64(f.NextDecoded - h.peerFlowDecoded)
		h.peerFlowDecoded = f.NextDecoded
	}
	if f.HasSideAck && f.SideSeen > h.peerSide {
		received += float64(f.SideSeen - h.peerSide)
		h.peerSide = f.SideSeen
	}
	h.dropAcked(f.NextDecoded)

	if len(f.Target) == 0 {
		h.handleFlowFrame(f)
	} else {
		h.handleSideFrame(f)
	}

	backlog := int(h.flowRecvSeen) - int(h.flowRecvDecoded)
	sourceRank := 0
	if len(h.flowOutQueue) > 0 {
		sourceRank = h.flowOutQueue[0].source.Rank()
	}
	h.cong.onAck(received, backlog, sourceRank, f.SideSeen, f.SideCount)
}

// dropAcked removes fully-acknowledged flow records from the outgoing
// queue once the peer reports decoding them.
func (h *Handler) dropAcked(peerNextDecoded uint32) {
	for len(h.flowOutQueue) > 0 && h.flowOutQueue[0].seq < peerNextDecoded {
		h.flowOutQueue = h.flowOutQueue[1:]
	}
}

func (h *Handler) handleFlowFrame(f *Frame) {
	if f.Comb.TotalLength == 0 && f.Comb.isZero() {
		return // keepalive dummy: carries no flow sequence number
	}
	seq := f.Sequence
	if seq+1 > h.flowRecvSeen {
		h.flowRecvSeen = seq + 1
	}
	slot, ok := h.flowRecvSlots[seq]
	if !ok {
		slot = &flowRecvSlot{sink: NewFountainSink(DefaultFountainSymbolSize)}
		h.flowRecvSlots[seq] = slot
	}
	decodedNow, err := slot.sink.Push(f.Comb)
	if err != nil {
		return
	}
	h.sideRecvOK++ // combinations successfully folded in count toward received-symbol accounting too
	if !decodedNow {
		return
	}

	// Deliver any now-decoded records in strict seq order (P6).
	for {
		next, ok := h.flowRecvSlots[h.flowDeliverUpTo]
		if !ok || !next.sink.Decoded() {
			break
		}
		data, err := next.sink.Dump()
		delete(h.flowRecvSlots, h.flowDeliverUpTo)
		if err == nil {
			h.dispatchRecord(data)
		}
		h.flowDeliverUpTo++
		if h.flowDeliverUpTo > h.flowRecvDecoded {
			h.flowRecvDecoded = h.flowDeliverUpTo
		}
	}
}

func (h *Handler) dispatchRecord(data []byte) {
	nul := -1
	for i, b := range data {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return
	}
	recordType := string(data[:nul])
	rest := data[nul+1:]
	end := len(rest)
	for i, b := range rest {
		if b == 0 {
			end = i
			break
		}
	}
	payload := rest[:end]
	if h.OnRecord != nil {
		go h.OnRecord(recordType, append([]byte(nil), payload...))
	}
}

func (h *Handler) handleSideFrame(f *Frame) {
	digest, err := IdentifierFromBytes(f.Target)
	if err != nil {
		return
	}
	for _, t := range h.pullQueue {
		if t.digest != digest {
			continue
		}
		h.sideSent++
		decodedNow, err := t.sink.Push(f.Comb)
		if err != nil || !decodedNow {
			return
		}
		data, err := t.sink.Dump()
		if err == nil && h.OnBlockDecoded != nil {
			go h.OnBlockDecoded(digest, data)
		}
		h.removePullTarget(digest)
		return
	}
}

func (h *Handler) removePullTarget(digest Identifier) {
	for i, t := range h.pullQueue {
		if t.digest == digest {
			h.pullQueue = append(h.pullQueue[:i], h.pullQueue[i+1:]...)
			return
		}
	}
}
