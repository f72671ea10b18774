package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/groupclaw/internal/types"
)

type memStore struct {
	mu       sync.Mutex
	groups   map[string]types.Group
	sessions map[string]string
	fail     error
}

func newMemStore() *memStore {
	return &memStore{groups: map[string]types.Group{}, sessions: map[string]string{}}
}

func (m *memStore) GetAllRegisteredGroups() (map[string]types.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Group, len(m.groups))
	for k, v := range m.groups {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetRegisteredGroup(g types.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.groups[g.JID] = g
	return nil
}

func (m *memStore) GetAllSessions() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetSession(folder, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sessions[folder] = id
	return nil
}

func group(jid, folder string) types.Group {
	return types.Group{JID: jid, Name: folder, Folder: folder, Trigger: "@Andy", AddedAt: time.Now()}
}

func TestGroups_SetAndLookup(t *testing.T) {
	store := newMemStore()
	g := NewGroups(store)

	require.NoError(t, g.Set(group("b@test", "beta")))
	require.NoError(t, g.Set(group("a@test", "alpha")))

	got, ok := g.Get("a@test")
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Folder)
	byFolder, ok := g.ByFolder("beta")
	require.True(t, ok)
	assert.Equal(t, "b@test", byFolder.JID)
	assert.Equal(t, []string{"a@test", "b@test"}, g.JIDs())
	assert.Equal(t, "a@test", g.All()[0].JID)
	assert.True(t, g.Has("b@test"))
	assert.False(t, g.Has("c@test"))
	assert.Len(t, store.groups, 2)

	m := g.Map()
	delete(m, "a@test")
	assert.True(t, g.Has("a@test"), "Map returns a copy")
}

func TestGroups_FolderIsUnique(t *testing.T) {
	g := NewGroups(newMemStore())
	require.NoError(t, g.Set(group("a@test", "shared")))

	err := g.Set(group("b@test", "shared"))
	assert.ErrorIs(t, err, ErrFolderTaken)
	assert.False(t, g.Has("b@test"))
}

func TestGroups_OverwriteMovesFolder(t *testing.T) {
	g := NewGroups(newMemStore())
	require.NoError(t, g.Set(group("a@test", "old")))
	require.NoError(t, g.Set(group("a@test", "new")))

	_, ok := g.ByFolder("old")
	assert.False(t, ok)
	got, ok := g.ByFolder("new")
	require.True(t, ok)
	assert.Equal(t, "a@test", got.JID)

	// The old folder is free again.
	require.NoError(t, g.Set(group("b@test", "old")))
}

func TestGroups_StoreFailureLeavesViewUnchanged(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	g := NewGroups(store)

	assert.Error(t, g.Set(group("a@test", "alpha")))
	assert.False(t, g.Has("a@test"))
}

func TestGroups_Load(t *testing.T) {
	store := newMemStore()
	store.groups["a@test"] = group("a@test", "alpha")
	g := NewGroups(store)
	require.NoError(t, g.Load())

	_, ok := g.ByFolder("alpha")
	assert.True(t, ok)
}

func TestSessions(t *testing.T) {
	store := newMemStore()
	store.sessions["main"] = "s-0"
	s := NewSessions(store)
	require.NoError(t, s.Load())

	assert.Equal(t, "s-0", s.Get("main"))
	assert.Empty(t, s.Get("other"))

	require.NoError(t, s.Set("other", "s-1"))
	assert.Equal(t, "s-1", s.Get("other"))
	assert.Equal(t, "s-1", store.sessions["other"])
	assert.Equal(t, 2, s.Len())

	store.fail = errors.New("disk full")
	assert.Error(t, s.Set("other", "s-2"))
	assert.Equal(t, "s-1", s.Get("other"), "failed writes are not cached")
}
