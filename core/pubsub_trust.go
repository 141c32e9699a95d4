package core

import "sync"

// TrustGate tracks the (remote, local) identity pairs allowed to exchange
// fabric subscribe/publish traffic (§4.7's "trust gate"). It starts empty
// and is filled only by explicit Trust calls; AddressBook does not populate
// it, and NewRuntime does not load any pairs into it. Adapted from core_keep's
// AccessController cache-of-sets pattern, generalized from ledger-backed
// role grants to an in-memory trust relation (the fabric's trust state is
// process lifetime only, so no persistent backing is needed here).
type TrustGate struct {
	mu      sync.Mutex
	trusted map[Identifier]map[Identifier]struct{} // remote -> set<local>
}

// NewTrustGate creates an empty trust gate.
func NewTrustGate() *TrustGate {
	return &TrustGate{trusted: make(map[Identifier]map[Identifier]struct{})}
}

// Trust records that remote is allowed to reach local.
func (g *TrustGate) Trust(remote, local Identifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	locals, ok := g.trusted[remote]
	if !ok {
		locals = make(map[Identifier]struct{})
		g.trusted[remote] = locals
	}
	locals[local] = struct{}{}
}

// Revoke removes a previously trusted (remote, local) pair.
func (g *TrustGate) Revoke(remote, local Identifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if locals, ok := g.trusted[remote]; ok {
		delete(locals, local)
		if len(locals) == 0 {
			delete(g.trusted, remote)
		}
	}
}

// IsTrusted reports whether remote may subscribe/publish to local.
func (g *TrustGate) IsTrusted(remote, local Identifier) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	locals, ok := g.trusted[remote]
	if !ok {
		return false
	}
	_, ok = locals[local]
	return ok
}
