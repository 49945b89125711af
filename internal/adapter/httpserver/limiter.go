package httpserver

import (
	"errors"
	"sync"
)

// Rejection reasons, used as metric labels.
const (
	rejectGlobalCap  = "global_cap"
	rejectPerIPCap   = "per_ip_cap"
	rejectAcceptRate = "accept_rate"
	rejectAuth       = "auth"
	rejectDraining   = "draining"
)

var (
	errTooManyConnections = errors.New("server connection limit reached")
	errTooManyFromIP      = errors.New("too many connections from this address")
)

// LimiterStats is the connection-limit view shown in diagnostics.
type LimiterStats struct {
	Open     int `json:"open"`
	Max      int `json:"max"`
	MaxPerIP int `json:"maxPerIp"`
	Clients  int `json:"clients"`
	Rejected int `json:"rejected"`
}

// ConnectionLimiter caps concurrent websockets globally and per client IP.
// A non-positive limit disables that cap.
type ConnectionLimiter struct {
	mu       sync.Mutex
	max      int
	perIP    int
	open     int
	byIP     map[string]int
	rejected int
}

func NewConnectionLimiter(maxTotal, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{max: maxTotal, perIP: maxPerIP, byIP: make(map[string]int)}
}

// Acquire reserves a slot for ip. The returned release must be called exactly
// once when the connection ends; extra calls are ignored.
func (l *ConnectionLimiter) Acquire(ip string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.open >= l.max {
		l.rejected++
		return nil, errTooManyConnections
	}
	if l.perIP > 0 && l.byIP[ip] >= l.perIP {
		l.rejected++
		return nil, errTooManyFromIP
	}

	l.open++
	l.byIP[ip]++

	var once sync.Once
	return func() { once.Do(func() { l.release(ip) }) }, nil
}

func (l *ConnectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open--
	if l.byIP[ip] <= 1 {
		delete(l.byIP, ip)
		return
	}
	l.byIP[ip]--
}

func (l *ConnectionLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{Open: l.open, Max: l.max, MaxPerIP: l.perIP, Clients: len(l.byIP), Rejected: l.rejected}
}
