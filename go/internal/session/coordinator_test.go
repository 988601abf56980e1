package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/quizclock/go/internal/models"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
	"github.com/mcdev12/quizclock/go/internal/timer"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *remotestate.MemoryStore) {
	t.Helper()

	store := remotestate.NewMemoryStore()
	c := NewCoordinator(store, Config{
		DefaultTime:  30,
		TimerOptions: []timer.Option{timer.WithClock(clockwork.NewFakeClock())},
	})
	t.Cleanup(func() {
		_ = c.Close()
		_ = store.Close()
	})
	return c, store
}

func submit(t *testing.T, c *Coordinator, answers map[string]string) {
	t.Helper()

	ctx := context.Background()
	for id, raw := range answers {
		require.NoError(t, c.JoinTeam(ctx, id))
		_, err := c.SubmitAnswer(ctx, id, raw)
		require.NoError(t, err)
	}
}

func ptr(v float64) *float64 { return &v }

func TestCoordinator_TimerLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	require.NoError(t, c.Start(ctx, models.DefaultHostID))
	state, err := c.TimerState(ctx, models.DefaultHostID)
	require.NoError(t, err)
	assert.True(t, state.IsRunning)
	assert.Equal(t, 30, state.DefaultTime)

	require.NoError(t, c.SetCurrentTime(ctx, models.DefaultHostID, 10))
	require.NoError(t, c.Start(ctx, models.DefaultHostID))
	require.NoError(t, c.Pause(ctx, models.DefaultHostID))
	require.NoError(t, c.Reset(ctx, models.DefaultHostID))

	state, err = c.TimerState(ctx, models.DefaultHostID)
	require.NoError(t, err)
	assert.Equal(t, 30, state.CurrentTime)
	assert.False(t, state.IsRunning)

	first, err := c.Timer(ctx, models.DefaultHostID)
	require.NoError(t, err)
	second, err := c.Timer(ctx, models.DefaultHostID)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCoordinator_InvalidIDs(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	assert.ErrorIs(t, c.Start(ctx, "a/b"), ErrInvalidID)
	assert.ErrorIs(t, c.JoinTeam(ctx, ""), ErrInvalidID)
	_, err := c.SubmitAnswer(ctx, "x.y", "4")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestCoordinator_JoinKeepsScore(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)

	require.NoError(t, c.JoinTeam(ctx, "red"))
	_, err := store.Update(ctx, models.TeamPath("red"), map[string]any{"score": 4})
	require.NoError(t, err)
	require.NoError(t, c.JoinTeam(ctx, "red"))

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, teams["red"].Score)
}

func TestCoordinator_ResolveRoundWithTarget(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Open(ctx))

	submit(t, c, map[string]string{"A": "8", "B": "8", "C": "12"})

	res, err := c.ResolveRound(ctx, ptr(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, res.Winners)

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, teams["A"].Score)
	assert.Equal(t, 1, teams["A"].LastPoints)
	assert.Equal(t, 1, teams["B"].Score)
	assert.Equal(t, 0, teams["C"].Score)

	// Resolving toggles the reveal flag
	shown, err := c.AnswersShown(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
}

func TestCoordinator_ResolveRoundFallsBackToHostAnswer(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)

	submit(t, c, map[string]string{models.DefaultHostID: "5", "A": "5", "B": "5", "C": "7"})
	_, err := store.Update(ctx, models.TeamPath(models.DefaultHostID), map[string]any{"score": 3})
	require.NoError(t, err)

	res, err := c.ResolveRound(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, res.Winners)
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 0}, res.PointsByTeam)

	// The host record is never written by a resolution
	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, teams[models.DefaultHostID].Score)
	assert.Equal(t, 0, teams[models.DefaultHostID].LastPoints)
}

func TestCoordinator_ResolveRoundWithoutTarget(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Open(ctx))

	submit(t, c, map[string]string{"A": "3"})

	res, err := c.ResolveRound(ctx, nil)
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, teams["A"].Score)

	shown, err := c.AnswersShown(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
}

func TestCoordinator_MalformedAnswerStoredButNotScored(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	submit(t, c, map[string]string{"A": "ten", "B": "9"})

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.True(t, teams["A"].Answer.Present())
	assert.False(t, teams["A"].Answer.Valid)

	res, err := c.ResolveRound(ctx, ptr(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Winners)
	assert.Equal(t, 0, res.PointsByTeam["A"])
}

func TestCoordinator_ControlsAndReveal(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Open(ctx))

	controls, err := c.Controls(ctx)
	require.NoError(t, err)
	assert.Equal(t, Controls{}, controls)

	// Only the host has answered
	submit(t, c, map[string]string{models.DefaultHostID: "4"})
	controls, err = c.Controls(ctx)
	require.NoError(t, err)
	assert.False(t, controls.HasAnswers)

	submit(t, c, map[string]string{"A": "4"})
	controls, err = c.Controls(ctx)
	require.NoError(t, err)
	assert.True(t, controls.CanReveal)
	assert.False(t, controls.CanResolve)

	require.NoError(t, c.RevealAnswers(ctx))
	controls, err = c.Controls(ctx)
	require.NoError(t, err)
	assert.True(t, controls.AnswersShown)
	assert.True(t, controls.CanResolve)
	assert.False(t, controls.CanReveal)
}

func TestCoordinator_ClearAnswers(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	submit(t, c, map[string]string{models.DefaultHostID: "7", "A": "7", "B": "nope"})
	_, err := c.ResolveRound(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.ClearAnswers(ctx))

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	for id, team := range teams {
		assert.False(t, team.Answer.Present(), id)
	}
	assert.Equal(t, 1, teams["A"].Score)
}

func TestCoordinator_ClosedRejectsTimers(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	require.NoError(t, c.Start(ctx, models.DefaultHostID))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Timer(ctx, models.DefaultHostID)
	assert.ErrorIs(t, err, ErrClosed)
}

var errWrite = errors.New("write failed")

// failingStore fails score writes for the teams in failScores.
type failingStore struct {
	*remotestate.MemoryStore

	mu         sync.Mutex
	failScores map[string]bool
}

func (f *failingStore) failScoreFor(teamIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failScores = make(map[string]bool, len(teamIDs))
	for _, id := range teamIDs {
		f.failScores[models.TeamPath(id)] = true
	}
}

func (f *failingStore) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	f.mu.Lock()
	fail := f.failScores[path]
	f.mu.Unlock()
	if _, ok := fields["score"]; ok && fail {
		return 0, errWrite
	}
	return f.MemoryStore.Update(ctx, path, fields)
}

func newFailingCoordinator(t *testing.T) (*Coordinator, *failingStore) {
	t.Helper()

	store := &failingStore{MemoryStore: remotestate.NewMemoryStore()}
	c := NewCoordinator(store, Config{
		DefaultTime:  30,
		TimerOptions: []timer.Option{timer.WithClock(clockwork.NewFakeClock())},
	})
	t.Cleanup(func() {
		_ = c.Close()
		_ = store.Close()
	})
	return c, store
}

func TestCoordinator_ResolveRoundFailureKeepsAnswersHidden(t *testing.T) {
	ctx := context.Background()
	c, store := newFailingCoordinator(t)
	require.NoError(t, c.Open(ctx))
	submit(t, c, map[string]string{"A": "10", "B": "3"})

	store.failScoreFor("B")
	_, err := c.ResolveRound(ctx, ptr(10))
	require.ErrorIs(t, err, errWrite)

	shown, err := c.AnswersShown(ctx)
	require.NoError(t, err)
	assert.False(t, shown)

	_, err = store.Get(ctx, models.RoundPath)
	assert.ErrorIs(t, err, remotestate.ErrNotFound)
}

func TestCoordinator_ResolveRoundRetryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	c, store := newFailingCoordinator(t)
	require.NoError(t, c.Open(ctx))
	submit(t, c, map[string]string{"A": "10", "B": "3"})

	store.failScoreFor("B")
	_, err := c.ResolveRound(ctx, ptr(10))
	require.Error(t, err)

	store.failScoreFor()
	res, err := c.ResolveRound(ctx, ptr(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Winners)
	assert.Equal(t, map[string]int{"A": 1, "B": 0}, res.Scores)

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, teams["A"].Score)
	assert.Equal(t, 0, teams["B"].Score)

	shown, err := c.AnswersShown(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
}

func TestCoordinator_ResolveRoundRewindsPartialCredit(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	submit(t, c, map[string]string{"A": "10", "B": "3"})

	// A was credited by an attempt at round 1 that never completed
	_, err := store.Update(ctx, models.TeamPath("A"), map[string]any{
		"score":      5,
		"lastPoints": 1,
		"lastRound":  1,
	})
	require.NoError(t, err)

	_, err = c.ResolveRound(ctx, ptr(10))
	require.NoError(t, err)

	teams, err := c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, teams["A"].Score)
	assert.Equal(t, 1, teams["A"].LastRound)

	// the next round credits again
	require.NoError(t, c.ClearAnswers(ctx))
	submit(t, c, map[string]string{"A": "10"})
	_, err = c.ResolveRound(ctx, ptr(10))
	require.NoError(t, err)

	teams, err = c.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, teams["A"].Score)
	assert.Equal(t, 2, teams["A"].LastRound)
}

func TestCoordinator_TimerStateDoesNotCreateDocument(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)

	state, err := c.TimerState(ctx, "guest")
	require.NoError(t, err)
	assert.Equal(t, 30, state.CurrentTime)
	assert.False(t, state.IsRunning)

	_, err = store.Get(ctx, models.TimerPath("guest"))
	assert.ErrorIs(t, err, remotestate.ErrNotFound)

	// a document written by another host is read as is
	_, err = store.Set(ctx, models.TimerPath("guest"), models.TimerDoc{CurrentTime: 9, DefaultTime: 30, IsRunning: true})
	require.NoError(t, err)
	state, err = c.TimerState(ctx, "guest")
	require.NoError(t, err)
	assert.Equal(t, 9, state.CurrentTime)
	assert.True(t, state.IsRunning)
	assert.False(t, state.Ticking)
}
