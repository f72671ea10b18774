// Package registry holds the in-process, tenant-keyed views of registered
// groups and agent sessions. Both are write-through caches over the
// persistence layer and are passed explicitly to every component that needs
// them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/linkerlin/groupclaw/internal/types"
)

// ErrFolderTaken is returned when a registration would reuse another
// group's folder.
var ErrFolderTaken = errors.New("folder already registered to another group")

// GroupStore persists group registrations.
type GroupStore interface {
	GetAllRegisteredGroups() (map[string]types.Group, error)
	SetRegisteredGroup(g types.Group) error
}

// SessionStore persists agent session ids by group folder.
type SessionStore interface {
	GetAllSessions() (map[string]string, error)
	SetSession(folder, sessionID string) error
}

// Groups is the set of registered groups keyed by chat JID.
type Groups struct {
	store GroupStore

	mu     sync.RWMutex
	byJID  map[string]types.Group
	folder map[string]string // folder -> jid
}

// NewGroups creates an empty registry backed by store.
func NewGroups(store GroupStore) *Groups {
	return &Groups{
		store:  store,
		byJID:  make(map[string]types.Group),
		folder: make(map[string]string),
	}
}

// Load replaces the in-memory view with the persisted registrations.
func (g *Groups) Load() error {
	all, err := g.store.GetAllRegisteredGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byJID = make(map[string]types.Group, len(all))
	g.folder = make(map[string]string, len(all))
	for jid, grp := range all {
		g.byJID[jid] = grp
		g.folder[grp.Folder] = jid
	}
	return nil
}

// Set creates or overwrites the registration of grp.JID.
func (g *Groups) Set(grp types.Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.folder[grp.Folder]; ok && owner != grp.JID {
		return fmt.Errorf("register %s as %q: %w", grp.JID, grp.Folder, ErrFolderTaken)
	}
	if err := g.store.SetRegisteredGroup(grp); err != nil {
		return err
	}
	if prev, ok := g.byJID[grp.JID]; ok {
		delete(g.folder, prev.Folder)
	}
	g.byJID[grp.JID] = grp
	g.folder[grp.Folder] = grp.JID
	return nil
}

// Get returns the group registered for jid.
func (g *Groups) Get(jid string) (types.Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.byJID[jid]
	return grp, ok
}

// ByFolder returns the group owning folder.
func (g *Groups) ByFolder(folder string) (types.Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	jid, ok := g.folder[folder]
	if !ok {
		return types.Group{}, false
	}
	return g.byJID[jid], true
}

// Has reports whether jid is registered.
func (g *Groups) Has(jid string) bool {
	_, ok := g.Get(jid)
	return ok
}

// JIDs returns the registered JIDs in sorted order.
func (g *Groups) JIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byJID))
	for jid := range g.byJID {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

// All returns the registered groups ordered by JID.
func (g *Groups) All() []types.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.Group, 0, len(g.byJID))
	for _, grp := range g.byJID {
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

// Map returns a copy of the registrations keyed by JID.
func (g *Groups) Map() map[string]types.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]types.Group, len(g.byJID))
	for jid, grp := range g.byJID {
		out[jid] = grp
	}
	return out
}

// Sessions caches the current session id of every group folder.
type Sessions struct {
	store SessionStore
	cache *gocache.Cache
}

// NewSessions creates a session cache backed by store. Entries never expire.
func NewSessions(store SessionStore) *Sessions {
	return &Sessions{
		store: store,
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Load primes the cache from the store.
func (s *Sessions) Load() error {
	all, err := s.store.GetAllSessions()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	s.cache.Flush()
	for folder, id := range all {
		s.cache.Set(folder, id, gocache.NoExpiration)
	}
	return nil
}

// Get returns the session id of folder, or "" when none exists.
func (s *Sessions) Get(folder string) string {
	v, ok := s.cache.Get(folder)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// Set persists a new session id for folder.
func (s *Sessions) Set(folder, sessionID string) error {
	if err := s.store.SetSession(folder, sessionID); err != nil {
		return fmt.Errorf("save session %s: %w", folder, err)
	}
	s.cache.Set(folder, sessionID, gocache.NoExpiration)
	return nil
}

// Len reports the number of cached sessions.
func (s *Sessions) Len() int {
	return s.cache.ItemCount()
}
