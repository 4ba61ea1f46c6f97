package ember

// State is the position of a connection in its request/response cycle.
type State int

const (
	StateInit State = iota
	StateURLReceived
	StateHeaderPartReceived
	StateHeadersReceived
	StateHeadersProcessed
	StateContinueSending
	StateContinueSent
	StateBodyReceived
	StateFooterPartReceived
	StateFootersReceived
	StateHeadersSending
	StateHeadersSent
	StateNormalBodyReady
	StateNormalBodyUnready
	StateChunkedBodyReady
	StateChunkedBodyUnready
	StateBodySent
	StateFootersSending
	StateFootersSent
	StateClosed
)

var stateNames = [...]string{
	StateInit:               "init",
	StateURLReceived:        "url-received",
	StateHeaderPartReceived: "header-part-received",
	StateHeadersReceived:    "headers-received",
	StateHeadersProcessed:   "headers-processed",
	StateContinueSending:    "continue-sending",
	StateContinueSent:       "continue-sent",
	StateBodyReceived:       "body-received",
	StateFooterPartReceived: "footer-part-received",
	StateFootersReceived:    "footers-received",
	StateHeadersSending:     "headers-sending",
	StateHeadersSent:        "headers-sent",
	StateNormalBodyReady:    "normal-body-ready",
	StateNormalBodyUnready:  "normal-body-unready",
	StateChunkedBodyReady:   "chunked-body-ready",
	StateChunkedBodyUnready: "chunked-body-unready",
	StateBodySent:           "body-sent",
	StateFootersSending:     "footers-sending",
	StateFootersSent:        "footers-sent",
	StateClosed:             "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// loopInfo tells the event loop what a connection waits for next.
type loopInfo int

const (
	loopRead loopInfo = iota
	loopWrite
	loopBlock
	loopCleanup
)

func (l loopInfo) String() string {
	switch l {
	case loopRead:
		return "read"
	case loopWrite:
		return "write"
	case loopBlock:
		return "block"
	default:
		return "cleanup"
	}
}
