package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type pullRecord struct {
	Target string `json:"target"`
	Tokens uint32 `json:"tokens"`
}

type pushRequestRecord struct {
	Target string `json:"target"`
}

type overlayCallPayload struct {
	Target string `json:"target"`
	Tokens uint32 `json:"tokens"`
}

// CallManager resolves "a block is wanted and not already local" into
// concrete wire traffic (§4.9): a fast direct call over any open handler
// already linked to a node known to hold the block, and — after
// fallbackTimeout — a slower overlay-routed Call plus a DHT retrieve to
// widen the candidate set.
type CallManager struct {
	mu       sync.Mutex
	handlers map[Identifier]*Handler // node -> open handler
	pending  map[Identifier]*pendingCall

	store           *BlockStore
	values          *ValueStore
	overlay         *OverlayNode
	fallbackTimeout time.Duration
}

type pendingCall struct {
	refcount int
	cancel   context.CancelFunc
}

// NewCallManager wires a CallManager to store (for local availability and
// candidate-node caching) and overlay (for the fallback Call message and
// DHT retrieve). fallbackTimeout of 0 uses DefaultCallFallbackTimeout.
func NewCallManager(store *BlockStore, values *ValueStore, overlay *OverlayNode, fallbackTimeout time.Duration) *CallManager {
	if fallbackTimeout <= 0 {
		fallbackTimeout = DefaultCallFallbackTimeout
	}
	cm := &CallManager{
		handlers:        make(map[Identifier]*Handler),
		pending:         make(map[Identifier]*pendingCall),
		store:           store,
		values:          values,
		overlay:         overlay,
		fallbackTimeout: fallbackTimeout,
	}
	overlay.OnCall = cm.handleOverlayCall
	return cm
}

// RegisterHandler makes node's handler available to the direct-call path,
// composing with any record handler already wired (e.g. the pub/sub
// fabric's subscribe/publish dispatch) rather than replacing it.
func (cm *CallManager) RegisterHandler(node Identifier, h *Handler) {
	cm.mu.Lock()
	cm.handlers[node] = h
	cm.mu.Unlock()

	prev := h.OnRecord
	h.OnRecord = func(recordType string, payload []byte) {
		switch recordType {
		case "pull", "push":
			cm.handleRecord(node, h, recordType, payload)
		default:
			if prev != nil {
				prev(recordType, payload)
			}
		}
	}
}

func (cm *CallManager) UnregisterHandler(node Identifier) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.handlers, node)
}

// HandlerCount reports how many remote handlers are currently registered.
func (cm *CallManager) HandlerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.handlers)
}

// RegisterCaller inserts target into the active-callers set; the first
// registration for a target triggers a direct call (§4.8).
func (cm *CallManager) RegisterCaller(target Identifier, missing uint32) {
	cm.mu.Lock()
	pc, exists := cm.pending[target]
	if exists {
		pc.refcount++
		cm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pc = &pendingCall{refcount: 1, cancel: cancel}
	cm.pending[target] = pc
	cm.mu.Unlock()

	go cm.run(ctx, target, missing)
}

// UnregisterCaller removes one registration for target; when the set
// becomes empty the in-flight call is cancelled (§4.8).
func (cm *CallManager) UnregisterCaller(target Identifier) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pc, ok := cm.pending[target]
	if !ok {
		return
	}
	pc.refcount--
	if pc.refcount <= 0 {
		pc.cancel()
		delete(cm.pending, target)
	}
}

func (cm *CallManager) run(ctx context.Context, target Identifier, missing uint32) {
	cm.directCall(target, missing)

	timer := time.NewTimer(cm.fallbackTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if cm.store.HasBlock(target) {
		return
	}
	cm.fallbackCall(ctx, target, missing)
}

// candidateNodes returns node ids cached as having (or having announced)
// target: the block store's own hint table (populated whenever a peer is
// seen pushing or advertising target, §4.3) plus the Temporary value cache
// populated by the pub/sub fabric's publish handling and prior push/pull
// traffic.
func (cm *CallManager) candidateNodes(target Identifier) []Identifier {
	nodes := cm.store.Hints(target)
	for _, raw := range cm.values.RetrieveValue(target) {
		if id, err := IdentifierFromBytes(raw); err == nil {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

// directCall is the fast path: pull{target, tokens} on every distinct open
// link to a cached candidate node, dividing tokens equally (§4.9.1).
func (cm *CallManager) directCall(target Identifier, missing uint32) {
	nodes := cm.candidateNodes(target)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	seen := make(map[Identifier]bool)
	var links []*Handler
	for _, node := range nodes {
		if seen[node] {
			continue
		}
		seen[node] = true
		if h, ok := cm.handlers[node]; ok {
			links = append(links, h)
		}
	}
	if len(links) == 0 {
		return
	}
	share := missing / uint32(len(links))
	if share == 0 {
		share = 1
	}
	for _, h := range links {
		h.RequestBlock(target)
		_ = h.Write("pull", pullRecord{Target: target.String(), Tokens: share})
	}
}

// fallbackCall is the slow path: an overlay Call message routed toward
// each cached node id, plus a DHT retrieve to widen the candidate set
// (§4.9.2).
func (cm *CallManager) fallbackCall(ctx context.Context, target Identifier, missing uint32) {
	body, err := json.Marshal(overlayCallPayload{Target: target.String(), Tokens: missing})
	if err == nil {
		for _, node := range cm.candidateNodes(target) {
			msg := &OverlayMessage{
				Version: 1, TTL: DefaultOverlayTTL, Type: MsgCall,
				Source: cm.overlay.Self(), HasSource: true,
				Destination: node, HasDest: true,
				Content: body,
			}
			_ = cm.overlay.Send(msg, ZeroIdentifier)
		}
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	values, err := cm.overlay.Retrieve(retrieveCtx, target, DefaultRequestTimeout)
	if err != nil {
		return
	}
	for _, v := range values {
		if node, err := IdentifierFromBytes(v); err == nil {
			cm.values.StoreValue(target, node[:], ValueTemporary)
		}
	}
}

// handleRecord processes an inbound "pull" or "push" flow-channel record
// on an established handler link.
func (cm *CallManager) handleRecord(node Identifier, h *Handler, recordType string, payload []byte) {
	switch recordType {
	case "pull":
		var rec pullRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return
		}
		target, err := IdentifierFromHex(rec.Target)
		if err != nil || !cm.store.HasBlock(target) {
			return
		}
		data, err := cm.store.GetBlock(target)
		if err != nil {
			return
		}
		h.PushBlock(target, data, float64(rec.Tokens))

	case "push":
		var rec pushRequestRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return
		}
		if target, err := IdentifierFromHex(rec.Target); err == nil {
			cm.store.Hint(target, node)
			cm.values.StoreValue(target, node[:], ValueTemporary)
		}
	}
}

// handleOverlayCall answers a node-level Call (the fallback path's
// counterpart): if target is locally available, schedule side-channel
// pushes to the caller over any open handler to it, at rate
// tokens*redundancy (§4.9).
func (cm *CallManager) handleOverlayCall(source Identifier, content []byte) {
	var payload overlayCallPayload
	if err := json.Unmarshal(content, &payload); err != nil {
		return
	}
	target, err := IdentifierFromHex(payload.Target)
	if err != nil || !cm.store.HasBlock(target) {
		return
	}
	cm.mu.Lock()
	h, ok := cm.handlers[source]
	cm.mu.Unlock()
	if !ok {
		return // no established link to the caller yet; nothing to push over
	}
	data, err := cm.store.GetBlock(target)
	if err != nil {
		return
	}
	h.PushBlock(target, data, float64(payload.Tokens))
}
