// Package session hands out opaque per-user session tokens that live for
// the lifetime of the process.
package session

import (
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Manager maps user ids to session tokens. Tokens never expire and are
// never persisted.
type Manager struct {
	tokens *gocache.Cache
}

func NewManager() *Manager {
	// A zero cleanup interval means no janitor goroutine.
	return &Manager{tokens: gocache.New(gocache.NoExpiration, 0)}
}

// GetSessionID returns the user's token, creating one on first use.
func (m *Manager) GetSessionID(userID string) string {
	for {
		if v, ok := m.tokens.Get(userID); ok {
			if token, ok := v.(string); ok {
				return token
			}
		}
		token := uuid.NewString()
		if err := m.tokens.Add(userID, token, gocache.NoExpiration); err == nil {
			return token
		}
		// Another caller created it first, and a Reset may have removed
		// it again since; look it up once more.
	}
}

// Reset forgets the user's token so the next call starts a new session.
func (m *Manager) Reset(userID string) {
	m.tokens.Delete(userID)
}

func (m *Manager) Count() int {
	return m.tokens.ItemCount()
}
