package remotestate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(ch Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *recorder) last() (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return Change{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ch := range r.changes {
		out = append(out, ch.Path)
	}
	return out
}

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	rev1, err := m.Set(ctx, "/revealAnswers", false)
	require.NoError(t, err)
	rev2, err := m.Set(ctx, "/revealAnswers/", true)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	entry, err := m.Get(ctx, "/revealAnswers")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(entry.Value))
	assert.Equal(t, rev2, entry.Revision)

	_, err = m.Get(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Set(ctx, "no-slash", 1)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = m.Set(ctx, "/bad", func() {})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestMemoryStore_CollectionGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	_, err := m.Set(ctx, "/teams/A", map[string]any{"answer": 5, "score": 1})
	require.NoError(t, err)
	_, err = m.Set(ctx, "/teams/B", map[string]any{"score": 0})
	require.NoError(t, err)
	_, err = m.Set(ctx, "/timer/admin", map[string]any{"currentTime": 3})
	require.NoError(t, err)

	entry, err := m.Get(ctx, "/teams")
	require.NoError(t, err)
	assert.JSONEq(t, `{"A":{"answer":5,"score":1},"B":{"score":0}}`, string(entry.Value))
}

func TestMemoryStore_UpdateMergesAndDeletes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	_, err := m.Update(ctx, "/teams/A", map[string]any{"answer": 5, "score": 2})
	require.NoError(t, err)
	_, err = m.Update(ctx, "/teams/A", map[string]any{"answer": nil, "lastPoints": 1})
	require.NoError(t, err)

	entry, err := m.Get(ctx, "/teams/A")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":2,"lastPoints":1}`, string(entry.Value))
}

func TestMemoryStore_PrefixSubscription(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	var teams, admin recorder
	teamsSub, err := m.Subscribe(ctx, "/teams", teams.record)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "/timer/admin", admin.record)
	require.NoError(t, err)

	_, err = m.Set(ctx, "/teams/A", map[string]any{"score": 0})
	require.NoError(t, err)
	_, err = m.Set(ctx, "/teamsB", 1)
	require.NoError(t, err)
	rev, err := m.Update(ctx, "/timer/admin", map[string]any{"isRunning": true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ch, ok := admin.last()
		return ok && ch.Revision == rev
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(teams.paths()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/teams/A"}, teams.paths())

	ch, _ := admin.last()
	var doc map[string]bool
	require.NoError(t, json.Unmarshal(ch.Value, &doc))
	assert.True(t, doc["isRunning"])

	require.NoError(t, m.Unsubscribe(teamsSub))
	require.NoError(t, m.Unsubscribe(teamsSub))
	assert.False(t, teamsSub.Active())

	_, err = m.Set(ctx, "/teams/B", map[string]any{"score": 0})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"/teams/A"}, teams.paths())
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Set(ctx, "/x", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Get(ctx, "/x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Subscribe(ctx, "/x", func(Change) {})
	assert.ErrorIs(t, err, ErrClosed)
}
