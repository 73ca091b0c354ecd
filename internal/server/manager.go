package server

import (
	"sync"
	"time"
)

const (
	DefaultMaxClients        = 4
	DefaultMaxConnectionTime = 600 * time.Second
)

// ClientInfo describes a connected client as the manager sees it.
type ClientInfo struct {
	ID        string
	UID       string
	StartedAt time.Time
	Limit     time.Duration
}

// Manager tracks connected clients against the slot and time limits.
type Manager struct {
	mu                sync.Mutex
	maxClients        int
	maxConnectionTime time.Duration
	clients           map[string]ClientInfo
	now               func() time.Time
}

func NewManager(maxClients int, maxConnectionTime time.Duration) *Manager {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if maxConnectionTime <= 0 {
		maxConnectionTime = DefaultMaxConnectionTime
	}
	return &Manager{
		maxClients:        maxClients,
		maxConnectionTime: maxConnectionTime,
		clients:           make(map[string]ClientInfo),
		now:               time.Now,
	}
}

// Limit returns the connection time a client gets when it asks for
// requested; zero or anything above the server limit means the server limit.
func (m *Manager) Limit(requested time.Duration) time.Duration {
	if requested <= 0 || requested > m.maxConnectionTime {
		return m.maxConnectionTime
	}
	return requested
}

func (m *Manager) Add(id, uid string, limit time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[id] = ClientInfo{ID: id, UID: uid, StartedAt: m.now(), Limit: m.Limit(limit)}
}

// Reserve adds the client when a slot is free. Otherwise it returns the
// estimated wait in minutes.
func (m *Manager) Reserve(id, uid string, limit time.Duration) (bool, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxClients {
		return false, m.waitMinutesLocked()
	}
	m.clients[id] = ClientInfo{ID: id, UID: uid, StartedAt: m.now(), Limit: m.Limit(limit)}
	return true, 0
}

func (m *Manager) Get(id string) (ClientInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.clients[id]
	return info, ok
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) IsFull() (bool, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxClients {
		return true, m.waitMinutesLocked()
	}
	return false, 0
}

// WaitMinutes is the smallest remaining connection time among clients, in
// minutes, or 0 with no clients.
func (m *Manager) WaitMinutes() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitMinutesLocked()
}

func (m *Manager) waitMinutesLocked() float64 {
	if len(m.clients) == 0 {
		return 0
	}
	now := m.now()
	var wait time.Duration
	first := true
	for _, c := range m.clients {
		remaining := c.Limit - now.Sub(c.StartedAt)
		if first || remaining < wait {
			wait = remaining
			first = false
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait.Minutes()
}

// Remaining is how long the client may stay connected.
func (m *Manager) Remaining(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return 0
	}
	return c.Limit - m.now().Sub(c.StartedAt)
}

func (m *Manager) IsTimedOut(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return false
	}
	return m.now().Sub(c.StartedAt) >= c.Limit
}
