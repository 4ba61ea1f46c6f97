package ember

// Handler answers requests.
//
// ServeRequest is called once the request headers are processed with a nil
// upload, then once per piece of request body with the bytes available, and
// a last time with a nil upload once the body is complete (BodyComplete
// reports true). For body calls it returns how many bytes it consumed; the
// rest is offered again later. The upload slice is only valid during the
// call. No further calls are made once a response has been queued.
//
// A non-nil error closes the connection.
type Handler interface {
	ServeRequest(req *Request, upload []byte) (int, error)
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(req *Request, upload []byte) (int, error)

// ServeRequest calls f(req, upload).
func (f HandlerFunc) ServeRequest(req *Request, upload []byte) (int, error) {
	return f(req, upload)
}

// ContentReader produces response body bytes starting at pos into buf.
// It returns the number of bytes written; io.EOF ends the stream, any other
// error aborts the connection, and (0, nil) means no data is ready yet.
// Calls for one response are serialized.
type ContentReader func(pos int64, buf []byte) (int, error)

// TerminationCode tells why a request ended.
type TerminationCode int

const (
	TerminatedCompletedOK TerminationCode = iota
	TerminatedWithError
	TerminatedTimeoutReached
	TerminatedDaemonShutdown
	TerminatedReadError
	TerminatedClientAbort
)

func (t TerminationCode) String() string {
	switch t {
	case TerminatedCompletedOK:
		return "completed"
	case TerminatedWithError:
		return "error"
	case TerminatedTimeoutReached:
		return "timeout"
	case TerminatedDaemonShutdown:
		return "shutdown"
	case TerminatedReadError:
		return "read_error"
	case TerminatedClientAbort:
		return "client_abort"
	default:
		return "unknown"
	}
}

// ConnectionEvent is passed to Config.NotifyConnection.
type ConnectionEvent int

const (
	ConnectionStarted ConnectionEvent = iota
	ConnectionClosed
)
