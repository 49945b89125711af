package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

type connection struct {
	id          string
	identity    string
	socket      Socket
	channels    map[string]struct{}
	alive       bool
	connectedAt time.Time
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Channels    []string  `json:"channels"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry owns every live connection. Membership writes triggered by
// connections go through the registry so that an identity is only removed from
// a channel once none of its connections hold it. Lock order is registry then
// membership.
type Registry struct {
	mu             sync.RWMutex
	conns          map[string]*connection
	byIdentity     map[string]map[string]*connection
	membership     *Membership
	defaultChannel string
	clock          clockwork.Clock
	metrics        *metrics.HubMetrics
}

func NewRegistry(membership *Membership, defaultChannel string, clock clockwork.Clock, m *metrics.HubMetrics) *Registry {
	return &Registry{
		conns:          make(map[string]*connection),
		byIdentity:     make(map[string]map[string]*connection),
		membership:     membership,
		defaultChannel: defaultChannel,
		clock:          clock,
		metrics:        m,
	}
}

// Register adds a connection for identity, joined to the default channel. It
// reports whether the default channel gained its first member.
func (r *Registry) Register(identity string, socket Socket) (string, bool, error) {
	if identity == "" {
		return "", false, domain.ErrAuthRequired
	}

	c := &connection{
		id:          uuid.NewString(),
		identity:    identity,
		socket:      socket,
		channels:    map[string]struct{}{r.defaultChannel: {}},
		alive:       true,
		connectedAt: r.clock.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.id] = c
	peers, ok := r.byIdentity[identity]
	if !ok {
		peers = make(map[string]*connection)
		r.byIdentity[identity] = peers
	}
	peers[c.id] = c
	first := r.membership.Join(r.defaultChannel, identity)

	if r.metrics != nil {
		r.metrics.ConnectionsTotal.Inc()
		r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	}
	return c.id, first, nil
}

// Join adds channel to the connection's subscriptions. It returns the
// connection's identity and whether the channel gained its first member.
func (r *Registry) Join(id, channel string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return "", false, domain.ErrConnectionNotFound
	}
	c.channels[channel] = struct{}{}
	return c.identity, r.membership.Join(channel, c.identity), nil
}

// Leave drops channel from the connection's subscriptions. The identity stays a
// member while another of its connections still holds the channel. It reports
// whether the channel lost its last member.
func (r *Registry) Leave(id, channel string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return "", false, domain.ErrConnectionNotFound
	}
	if _, held := c.channels[channel]; !held {
		return c.identity, false, domain.ErrNotSubscribed
	}
	delete(c.channels, channel)
	if r.heldByPeerLocked(c, channel) {
		return c.identity, false, nil
	}
	return c.identity, r.membership.Leave(channel, c.identity), nil
}

// Evict removes the connection, leaves every channel it was the identity's last
// holder of, and closes its socket. It returns the channels that lost their
// last member. Evicting an unknown or already evicted connection returns false.
func (r *Registry) Evict(id, reason string) ([]string, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, id)
	peers := r.byIdentity[c.identity]
	delete(peers, id)
	if len(peers) == 0 {
		delete(r.byIdentity, c.identity)
	}

	var vacated []string
	for channel := range c.channels {
		if r.heldByPeerLocked(c, channel) {
			continue
		}
		if r.membership.Leave(channel, c.identity) {
			vacated = append(vacated, channel)
		}
	}
	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(len(r.conns)))
		r.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	r.mu.Unlock()

	c.socket.Close(reason)
	sort.Strings(vacated)
	return vacated, true
}

func (r *Registry) heldByPeerLocked(c *connection, channel string) bool {
	for peerID, peer := range r.byIdentity[c.identity] {
		if peerID == c.id {
			continue
		}
		if _, held := peer.channels[channel]; held {
			return true
		}
	}
	return false
}

// MarkAlive records a liveness response. Unknown ids are ignored.
func (r *Registry) MarkAlive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.alive = true
	}
}

// Sweep is one heartbeat round: connections that never answered the previous
// probe are returned as stale, every other connection is flagged not-alive and
// returned for probing.
func (r *Registry) Sweep() (stale []string, probe []Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.conns {
		if !c.alive {
			stale = append(stale, id)
			continue
		}
		c.alive = false
		probe = append(probe, c.socket)
	}
	sort.Strings(stale)
	return stale, probe
}

// SocketsOf returns a snapshot of identity's live sockets.
func (r *Registry) SocketsOf(identity string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.byIdentity[identity]
	out := make([]Socket, 0, len(peers))
	for _, c := range peers {
		out = append(out, c.socket)
	}
	return out
}

// Sockets returns a snapshot of every registered socket.
func (r *Registry) Sockets() []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Socket, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.socket)
	}
	return out
}

// IDs returns every registered connection id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Holds reports whether connection id is subscribed to channel.
func (r *Registry) Holds(id, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	_, held := c.channels[channel]
	return held
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (c *connection) info() ConnectionInfo {
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return ConnectionInfo{
		ID:          c.id,
		Identity:    c.identity,
		Channels:    channels,
		Alive:       c.alive,
		ConnectedAt: c.connectedAt,
	}
}
