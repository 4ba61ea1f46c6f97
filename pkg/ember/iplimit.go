package ember

import (
	"net"

	"github.com/puzpuzpuz/xsync/v3"
)

// ipLimiter counts open connections per client IP.
type ipLimiter struct {
	limit  int
	counts *xsync.MapOf[string, int]
}

func newIPLimiter(limit int) *ipLimiter {
	return &ipLimiter{limit: limit, counts: xsync.NewMapOf[string, int]()}
}

func ipKey(addr net.Addr) (string, bool) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return "", false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return string(ip), true
}

// acquire counts a new connection from addr. It reports false, without
// counting, when the address is at its limit.
func (l *ipLimiter) acquire(addr net.Addr) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key, ok := ipKey(addr)
	if !ok {
		return true
	}
	admitted := false
	l.counts.Compute(key, func(n int, _ bool) (int, bool) {
		if n >= l.limit {
			return n, false
		}
		admitted = true
		return n + 1, false
	})
	return admitted
}

// release forgets one connection from addr.
func (l *ipLimiter) release(addr net.Addr) {
	if l == nil || l.limit <= 0 {
		return
	}
	key, ok := ipKey(addr)
	if !ok {
		return
	}
	l.counts.Compute(key, func(n int, loaded bool) (int, bool) {
		if !loaded || n <= 1 {
			return 0, true
		}
		return n - 1, false
	})
}
