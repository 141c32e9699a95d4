package core

import "errors"

// Sentinel errors surfaced across package boundaries per §7's taxonomy.
// Transient I/O and protocol-violation failures are logged and recovered
// locally wherever possible; these are the ones that do propagate to a
// caller as well-typed failures.
var (
	// ErrDigestMismatch indicates a block decoded but its hash does not
	// match the requested digest (§7 class 4, resource integrity).
	ErrDigestMismatch = errors.New("core: decoded bytes do not match digest")

	// ErrNotDecoded indicates a sink does not yet have full rank.
	ErrNotDecoded = errors.New("core: combination sink not fully decoded")

	// ErrUnknownTunnel indicates a datagram referenced a tunnel id the
	// receiver has no pending or open tunnel for (§7 class 2).
	ErrUnknownTunnel = errors.New("core: unknown tunnel id")

	// ErrHandlerExists indicates a second handler attempted to register for
	// a node id that already has one (§3 invariant, P5).
	ErrHandlerExists = errors.New("core: handler already registered for node")

	// ErrHandlerNotFound indicates an operation referenced a link with no
	// registered handler.
	ErrHandlerNotFound = errors.New("core: no handler for link")

	// ErrCacheFull indicates the block cache is at its configured size and
	// could not evict enough entries (§7 class 5, exhaustion).
	ErrCacheFull = errors.New("core: block cache full")

	// ErrTooManyConnections indicates the accept loop rejected a connection
	// above max_connections (§7 class 5).
	ErrTooManyConnections = errors.New("core: too many connections")

	// ErrTimeout indicates a blocking operation exceeded its configured
	// timeout (§5 suspension points).
	ErrTimeout = errors.New("core: operation timed out")

	// ErrUntrustedLink indicates a subscribe/publish fabric message arrived
	// on a link not present in the trust gate (§4.7).
	ErrUntrustedLink = errors.New("core: untrusted link")

	// ErrNotFound indicates a lookup (block, resource, value) found nothing.
	ErrNotFound = errors.New("core: not found")

	// ErrInvalidRecord indicates a structurally malformed index record,
	// directory record or mail record.
	ErrInvalidRecord = errors.New("core: invalid record")

	// ErrClosed indicates an operation was attempted on a closed handler,
	// tunnel or store.
	ErrClosed = errors.New("core: closed")
)
