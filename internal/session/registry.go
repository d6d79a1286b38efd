package session

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/anneschuth/claude-threads-sub002/internal/store"
)

const (
	postIndexTTL   = 24 * time.Hour
	postIndexSweep = 30 * time.Minute
)

// Registry indexes active sessions by composite key and by the posts
// they own. The session manager is the only writer; reaction and
// monitor paths read concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// posts maps post id → composite session key. Entries expire so a
	// long-lived process does not accumulate ids from ended sessions.
	posts *gocache.Cache
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		posts:    gocache.New(postIndexTTL, postIndexSweep),
	}
}

// Add registers a session under its composite key.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key()] = s
}

// Remove drops a session. The post index for its thread is cleared
// separately via ClearPostsForThread.
func (r *Registry) Remove(platformID, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, store.SessionKey(platformID, threadID))
}

// Get returns the active session for a thread.
func (r *Registry) Get(platformID, threadID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[store.SessionKey(platformID, threadID)]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Active returns a snapshot of all active sessions.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// RegisterPost records that a post belongs to a session.
func (r *Registry) RegisterPost(postID string, s *Session) {
	if postID == "" {
		return
	}
	r.posts.Set(postID, s.Key(), gocache.DefaultExpiration)
}

// FindByPost resolves the session owning a post. Posts the session
// manager created are in the index; executor posts are found by asking
// each active session's tracker, and the hit is cached for next time.
func (r *Registry) FindByPost(postID string) (*Session, bool) {
	if postID == "" {
		return nil, false
	}
	if v, ok := r.posts.Get(postID); ok {
		if key, ok := v.(string); ok {
			r.mu.RLock()
			s, ok := r.sessions[key]
			r.mu.RUnlock()
			if ok {
				return s, true
			}
		}
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		mm := s.Messages()
		if mm == nil {
			continue
		}
		if _, ok := mm.Tracker().Lookup(postID); ok {
			r.posts.Set(postID, s.Key(), gocache.DefaultExpiration)
			return s, true
		}
	}
	return nil, false
}

// ClearPostsForThread removes index entries pointing at a session,
// typically on pause or kill.
func (r *Registry) ClearPostsForThread(platformID, threadID string) {
	key := store.SessionKey(platformID, threadID)
	for id, item := range r.posts.Items() {
		if v, ok := item.Object.(string); ok && v == key {
			r.posts.Delete(id)
		}
	}
}
