package gateway

import (
	"sort"
	"sync"
	"time"
)

// Presence holds the online users last reported by the socket server
type Presence struct {
	mu        sync.RWMutex
	users     map[string]string // userId -> socketId
	updatedAt time.Time
}

// NewPresence creates an empty Presence
func NewPresence() *Presence {
	return &Presence{
		users: make(map[string]string),
	}
}

// Replace swaps the online set for the server's latest list
func (p *Presence) Replace(users []OnlineUser) {
	next := make(map[string]string, len(users))
	for _, u := range users {
		if u.UserId == "" {
			continue
		}
		next[u.UserId] = u.SocketId
	}

	p.mu.Lock()
	p.users = next
	p.updatedAt = time.Now()
	p.mu.Unlock()
}

// IsOnline checks if user is online
func (p *Presence) IsOnline(userId string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userId]
	return ok
}

// Count returns the number of online users
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// UserIds returns the online user ids, sorted
func (p *Presence) UserIds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.users))
	for id := range p.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdatedAt returns when the list was last replaced
func (p *Presence) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}
