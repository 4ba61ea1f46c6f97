package h1

import "strconv"

// StatusText returns the reason phrase for an HTTP status code.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 102:
		return "Processing"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 203:
		return "Non-Authoritative Information"
	case 204:
		return "No Content"
	case 205:
		return "Reset Content"
	case 206:
		return "Partial Content"
	case 300:
		return "Multiple Choices"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 406:
		return "Not Acceptable"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 411:
		return "Length Required"
	case 412:
		return "Precondition Failed"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 416:
		return "Range Not Satisfiable"
	case 417:
		return "Expectation Failed"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Unknown"
	}
}

// AppendStatusLine appends "<version> <code> <reason>\r\n" to dst.
func AppendStatusLine(dst []byte, version string, code int) []byte {
	dst = append(dst, version...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	return append(dst, '\r', '\n')
}

// StatusLineLen returns the length AppendStatusLine would add.
func StatusLineLen(version string, code int) int {
	n := 1
	for c := code; c >= 10; c /= 10 {
		n++
	}
	if code < 0 {
		n++
	}
	return len(version) + 1 + n + 1 + len(StatusText(code)) + 2
}

// Canned bodies for error responses generated by the server itself.
const (
	BodyBadRequest = "<html><head><title>Bad request</title></head>" +
		"<body>Your request could not be understood by this server.</body></html>"
	BodyMissingHost = "<html><head><title>Missing Host header</title></head>" +
		"<body>HTTP/1.1 requests must include a Host header.</body></html>"
	BodyTooBig = "<html><head><title>Request too big</title></head>" +
		"<body>Your HTTP header was too big for the memory constraints of this webserver.</body></html>"
	BodyURITooLong = "<html><head><title>URI too long</title></head>" +
		"<body>The requested URI exceeds the memory constraints of this webserver.</body></html>"
	BodyBadChunk = "<html><head><title>Bad chunked encoding</title></head>" +
		"<body>The chunked request body could not be decoded.</body></html>"
	BodyBadContentLength = "<html><head><title>Bad Content-Length</title></head>" +
		"<body>The Content-Length header could not be parsed.</body></html>"
	BodyVersionNotSupported = "<html><head><title>HTTP version not supported</title></head>" +
		"<body>This server only speaks HTTP/1.x.</body></html>"
	BodyInternalError = "<html><head><title>Internal server error</title></head>" +
		"<body>The application did not consume the uploaded data.</body></html>"
)
