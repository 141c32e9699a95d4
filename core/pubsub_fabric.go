package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Fabric is the process-wide pub/sub index (§4.7): publishers and
// subscribers register under a path prefix, matched by popping
// `/`-separated segments from the right until the first non-empty match
// set (longest-prefix matching). Remote links exchange `subscribe`/
// `publish` fabric records over their Handler's flow channel.
type Fabric struct {
	mu          sync.RWMutex
	publishers  map[string][]Publisher
	subscribers map[string][]Subscriber

	remoteMu   sync.Mutex
	remoteSubs map[string][]remoteSub // path -> subscribing nodes
	handlers   map[Identifier]*Handler

	trust *TrustGate
	self  Identifier
	store *ValueStore
	algo  HashAlgorithm
}

type remoteSub struct {
	node Identifier
	path string
}

// NewFabric creates an empty fabric for self, caching remote publish
// announcements into store (Temporary values, §4.7).
func NewFabric(self Identifier, store *ValueStore, trust *TrustGate, algo HashAlgorithm) *Fabric {
	return &Fabric{
		publishers:  make(map[string][]Publisher),
		subscribers: make(map[string][]Subscriber),
		remoteSubs:  make(map[string][]remoteSub),
		handlers:    make(map[Identifier]*Handler),
		trust:       trust,
		self:        self,
		store:       store,
		algo:        algo,
	}
}

// RegisterPublisher adds p to the index under its prefix.
func (f *Fabric) RegisterPublisher(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers[p.Prefix()] = append(f.publishers[p.Prefix()], p)
}

// RegisterSubscriber adds s to the index under its prefix.
func (f *Fabric) RegisterSubscriber(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[s.Prefix()] = append(f.subscribers[s.Prefix()], s)
}

// RegisterHandler wires node's handler's flow channel to the fabric's
// subscribe/publish record handling, composing with any record handler
// already wired (e.g. a call manager's pull/push dispatch) rather than
// replacing it.
func (f *Fabric) RegisterHandler(node Identifier, h *Handler) {
	f.remoteMu.Lock()
	f.handlers[node] = h
	f.remoteMu.Unlock()

	prev := h.OnRecord
	h.OnRecord = func(recordType string, payload []byte) {
		switch recordType {
		case "subscribe", "publish":
			f.handleRemoteRecord(node, recordType, payload)
		default:
			if prev != nil {
				prev(recordType, payload)
			}
		}
	}
}

// HandlerCount reports how many remote handlers are currently registered.
func (f *Fabric) HandlerCount() int {
	f.remoteMu.Lock()
	defer f.remoteMu.Unlock()
	return len(f.handlers)
}

// UnregisterHandler removes node's handler and any remote subscriptions it
// held.
func (f *Fabric) UnregisterHandler(node Identifier) {
	f.remoteMu.Lock()
	defer f.remoteMu.Unlock()
	delete(f.handlers, node)
	for path, subs := range f.remoteSubs {
		filtered := subs[:0]
		for _, s := range subs {
			if s.node != node {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(f.remoteSubs, path)
		} else {
			f.remoteSubs[path] = filtered
		}
	}
}

// matchPrefix finds the longest registered prefix of path within index,
// popping `/`-separated segments from the right (§4.7 "Matching").
func matchPrefix[T any](index map[string][]T, path string) []T {
	p := path
	for {
		if v, ok := index[p]; ok && len(v) > 0 {
			return v
		}
		idx := strings.LastIndexByte(p, '/')
		if idx < 0 {
			if v, ok := index[""]; ok {
				return v
			}
			return nil
		}
		p = p[:idx]
	}
}

// Query asks every publisher matching path for its targets/mail.
func (f *Fabric) Query(path string) ([]Identifier, *Mail, error) {
	f.mu.RLock()
	pubs := matchPrefix(f.publishers, path)
	f.mu.RUnlock()
	var targets []Identifier
	for _, p := range pubs {
		subPath := strings.TrimPrefix(path, p.Prefix())
		t, mail, err := p.Query(subPath)
		if err != nil {
			continue
		}
		if mail != nil {
			return nil, mail, nil
		}
		targets = append(targets, t...)
	}
	return targets, nil, nil
}

// notifyLocal invokes every subscriber matching path.
func (f *Fabric) notifyLocal(locator Locator, path string, target Identifier, mail *Mail) {
	f.mu.RLock()
	subs := matchPrefix(f.subscribers, path)
	f.mu.RUnlock()
	for _, s := range subs {
		s.Notify(locator, target, mail)
	}
}

// Subscribe sends a remote subscribe record for path to node, subject to
// the trust gate.
func (f *Fabric) Subscribe(node Identifier, path string) error {
	if f.trust != nil && !f.trust.IsTrusted(node, f.self) {
		return fmt.Errorf("pubsub: node %s not trusted", node)
	}
	f.remoteMu.Lock()
	h, ok := f.handlers[node]
	f.remoteMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no handler for node %s", ErrNotFound, node)
	}
	return h.Write("subscribe", subscribeRecord{Path: path})
}

type subscribeRecord struct {
	Path string `json:"path"`
}

type publishRecord struct {
	Path      string            `json:"path"`
	Targets   []string          `json:"targets,omitempty"`
	Mail      *wireMailEnvelope `json:"message,omitempty"`
	Traversed []string          `json:"traversed,omitempty"`
}

type wireMailEnvelope struct {
	Data []byte `json:"data"`
}

// Publish announces targets and/or mail under path, notifying local
// subscribers and fanning out to every remote subscriber of a matching
// prefix that this propagation round hasn't already reached. traversed
// carries the link ids (remote node identifiers) the message has already
// crossed in this round, as decided in SPEC_FULL.md's resolution of the
// multi-hop publish-cycle open question: origin alone only guards the
// immediate back-hop, so a node forwarding further also carries forward
// every node that has already seen this round, and skips all of them
// rather than just the one it heard from.
func (f *Fabric) Publish(path string, targets []Identifier, mail *Mail, origin Identifier, isLocal bool, traversed ...Identifier) {
	locator := Locator{Path: path, OriginNode: origin, Local: isLocal}
	for _, target := range targets {
		f.notifyLocal(locator, path, target, nil)
	}
	if mail != nil {
		f.notifyLocal(locator, path, ZeroIdentifier, mail)
	}

	if f.store != nil {
		pathKey := H(f.algo, []byte(path))
		for _, target := range targets {
			f.store.StoreValue(pathKey, target[:], ValueTemporary)
			f.store.StoreValue(target, origin[:], ValueTemporary)
		}
	}

	f.remoteMu.Lock()
	subs := matchPrefix(f.remoteSubs, path)
	handlersCopy := make(map[Identifier]*Handler, len(f.handlers))
	for k, v := range f.handlers {
		handlersCopy[k] = v
	}
	f.remoteMu.Unlock()

	// seen is this round's traversed-link set: everywhere the message has
	// already been (carried in from the previous hop), the link it just
	// arrived on (origin), and this node itself (about to forward it).
	seen := make(map[Identifier]bool, len(traversed)+2)
	for _, t := range traversed {
		seen[t] = true
	}
	seen[origin] = true
	seen[f.self] = true

	nextTraversed := make([]string, 0, len(seen))
	for id := range seen {
		nextTraversed = append(nextTraversed, id.String())
	}

	rec := publishRecord{Path: path, Traversed: nextTraversed}
	for _, t := range targets {
		rec.Targets = append(rec.Targets, t.String())
	}
	if mail != nil {
		rec.Mail = &wireMailEnvelope{Data: mail.Marshal()}
	}

	for _, s := range subs {
		if seen[s.node] {
			continue // already traversed this propagation round (cycle suppression)
		}
		h, ok := handlersCopy[s.node]
		if !ok {
			continue
		}
		_ = h.Write("publish", rec)
	}
}

func (f *Fabric) handleRemoteRecord(node Identifier, recordType string, payload []byte) {
	switch recordType {
	case "subscribe":
		var rec subscribeRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return
		}
		if f.trust != nil && !f.trust.IsTrusted(node, f.self) {
			return // untrusted subscription dropped
		}
		f.remoteMu.Lock()
		f.remoteSubs[rec.Path] = append(f.remoteSubs[rec.Path], remoteSub{node: node, path: rec.Path})
		f.remoteMu.Unlock()

	case "publish":
		var rec publishRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return
		}
		if f.trust != nil && !f.trust.IsTrusted(node, f.self) {
			return
		}
		var targets []Identifier
		for _, hexID := range rec.Targets {
			id, err := IdentifierFromHex(hexID)
			if err != nil {
				continue
			}
			targets = append(targets, id)
		}
		var mail *Mail
		if rec.Mail != nil {
			if m, err := UnmarshalMail(rec.Mail.Data); err == nil {
				mail = m
			}
		}
		var traversed []Identifier
		for _, hexID := range rec.Traversed {
			id, err := IdentifierFromHex(hexID)
			if err != nil {
				continue
			}
			traversed = append(traversed, id)
		}
		f.Publish(rec.Path, targets, mail, node, false, traversed...)
	}
}
