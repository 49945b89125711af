package hub

import (
	"sort"
	"sync"
)

// Membership tracks which identities have joined which channels. It is the
// sole source of truth for whether a channel has members.
type Membership struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
	onChange func(channels int)
}

func NewMembership() *Membership {
	return &Membership{channels: make(map[string]map[string]struct{})}
}

// Join adds identity to channel. It reports true only when the channel went
// from zero members to one.
func (m *Membership) Join(channel, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		m.channels[channel] = members
	}
	if _, joined := members[identity]; joined {
		return false
	}
	members[identity] = struct{}{}
	first := len(members) == 1
	if first {
		m.notifyLocked()
	}
	return first
}

// Leave removes identity from channel. It reports true only when the channel
// went from one member to zero; leaving a channel one never joined is a no-op.
func (m *Membership) Leave(channel, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.channels[channel]
	if !ok {
		return false
	}
	if _, joined := members[identity]; !joined {
		return false
	}
	delete(members, identity)
	if len(members) > 0 {
		return false
	}
	delete(m.channels, channel)
	m.notifyLocked()
	return true
}

// MembersOf returns a snapshot of channel's members.
func (m *Membership) MembersOf(channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.channels[channel]
	out := make([]string, 0, len(members))
	for identity := range members {
		out = append(out, identity)
	}
	return out
}

func (m *Membership) HasMembers(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels[channel]) > 0
}

// Channels returns every channel with at least one member, sorted.
func (m *Membership) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.channels))
	for channel := range m.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// OnChannelCountChange registers a callback invoked, under lock, whenever the
// number of non-empty channels changes. It must not call back into Membership.
func (m *Membership) OnChannelCountChange(fn func(channels int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Membership) notifyLocked() {
	if m.onChange != nil {
		m.onChange(len(m.channels))
	}
}
