package core

import (
	"time"
)

// pathFoldInterval is a period for Offer broadcasts (§4.4's connectivity
// repair). Nothing in this module uses it: no loop calls BroadcastOffer on a
// timer, and Runtime does not broadcast Offers at all.
const pathFoldInterval = 2 * time.Minute

// SetSuggestHandler registers fn to be invoked when a Suggest names an
// address for an unknown source node, so that fn can attempt an outbound
// connection to improve graph diameter. Runtime does not register a
// handler, so without one a Suggest triggers no connection attempt.
func (n *OverlayNode) SetSuggestHandler(fn func(source Identifier, addresses []string)) {
	n.suggestMu.Lock()
	n.onSuggest = fn
	n.suggestMu.Unlock()
}

// encodeAddresses packs a list of address strings as length-prefixed UTF-8.
func encodeAddresses(addrs []string) []byte {
	w := newRecordWriter()
	w.writeUint64(uint64(len(addrs)))
	for _, a := range addrs {
		w.writeString(a)
	}
	return w.bytes()
}

func decodeAddresses(data []byte) ([]string, error) {
	r := newRecordReader(data)
	n := r.readUint64()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.readString())
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// BroadcastOffer sends an Offer(addresses) to every direct neighbor,
// advertising addrs as ways to reach this node (§4.4's path-folding).
func (n *OverlayNode) BroadcastOffer(addrs []string) {
	content := encodeAddresses(addrs)
	for _, neighbor := range n.neighbors() {
		link, ok := n.linkFor(neighbor)
		if !ok {
			continue
		}
		msg := &OverlayMessage{Version: 1, TTL: 1, Type: MsgOffer, Content: content}
		_ = link.Send(msg)
	}
}

// handlePathFold processes an inbound Offer or Suggest received link-locally
// from a neighbor (§4.4): an Offer is turned into Suggest messages sent to
// every neighbor strictly closer to the offering source than this node is;
// a Suggest about an unknown source triggers SetSuggestHandler's callback.
func (n *OverlayNode) handlePathFold(from OverlayLink, msg *OverlayMessage) {
	switch msg.Type {
	case MsgOffer:
		source := from.RemoteNode()
		addrs, err := decodeAddresses(msg.Content)
		if err != nil {
			return
		}
		suggestContent := encodeSuggest(source, addrs)
		for _, neighbor := range n.neighbors() {
			if neighbor == source {
				continue
			}
			if !Less(neighbor, n.self, source) {
				continue
			}
			link, ok := n.linkFor(neighbor)
			if !ok {
				continue
			}
			sMsg := &OverlayMessage{Version: 1, TTL: 1, Type: MsgSuggest, Content: suggestContent}
			_ = link.Send(sMsg)
		}
	case MsgSuggest:
		source, addrs, err := decodeSuggest(msg.Content)
		if err != nil {
			return
		}
		if _, known := n.linkFor(source); known {
			return
		}
		n.suggestMu.Lock()
		fn := n.onSuggest
		n.suggestMu.Unlock()
		if fn != nil {
			fn(source, addrs)
		}
	}
}

func encodeSuggest(source Identifier, addrs []string) []byte {
	w := newRecordWriter()
	w.writeIdentifier(source)
	w.writeUint64(uint64(len(addrs)))
	for _, a := range addrs {
		w.writeString(a)
	}
	return w.bytes()
}

func decodeSuggest(data []byte) (Identifier, []string, error) {
	r := newRecordReader(data)
	source := r.readIdentifier()
	count := r.readUint64()
	if r.err != nil {
		return ZeroIdentifier, nil, r.err
	}
	addrs := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		addrs = append(addrs, r.readString())
	}
	if err := r.finish(); err != nil {
		return ZeroIdentifier, nil, err
	}
	return source, addrs, nil
}
