package core

// Subscriber owns a path prefix and is notified of matching publish events,
// either a content digest (file-style) or a mail record (board-style),
// each tagged with the Locator it arrived on (§4.7).
type Subscriber interface {
	Prefix() string
	Notify(locator Locator, target Identifier, mail *Mail)
}

// Locator identifies where a publish event came from: a specific Path
// under its publisher's prefix, and, for remotely-originated events, the
// node it arrived from (used for the anti-loop check and absent — the
// zero Identifier — for locally-originated events).
type Locator struct {
	Path       string
	OriginNode Identifier
	Local      bool
}

// FuncSubscriber adapts a plain function to the Subscriber interface.
type FuncSubscriber struct {
	prefix string
	notify func(locator Locator, target Identifier, mail *Mail)
}

// NewFuncSubscriber builds a Subscriber for prefix backed by notify.
func NewFuncSubscriber(prefix string, notify func(locator Locator, target Identifier, mail *Mail)) *FuncSubscriber {
	return &FuncSubscriber{prefix: prefix, notify: notify}
}

func (s *FuncSubscriber) Prefix() string { return s.prefix }
func (s *FuncSubscriber) Notify(locator Locator, target Identifier, mail *Mail) {
	s.notify(locator, target, mail)
}
