// Package session drives one quiz: the host's timers, team answers, round
// resolution and the reveal flag, all persisted in the remote store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/quizclock/go/internal/models"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
	"github.com/mcdev12/quizclock/go/internal/scoring"
	"github.com/mcdev12/quizclock/go/internal/timer"
)

var (
	// ErrInvalidID is returned for team or owner ids that cannot be a path segment.
	ErrInvalidID = errors.New("session: invalid id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Config holds the session settings.
type Config struct {
	HostID      string
	DefaultTime int
	// TimerOptions are applied to every controller the coordinator creates.
	TimerOptions []timer.Option
}

// Controls reports which host actions are currently available.
type Controls struct {
	AnswersShown bool `json:"answersShown"`
	HasAnswers   bool `json:"hasAnswers"`
	CanResolve   bool `json:"canResolve"`
	CanReveal    bool `json:"canReveal"`
}

// Coordinator is the host side of a session.
type Coordinator struct {
	store       remotestate.Store
	hostID      string
	defaultTime int
	timerOpts   []timer.Option

	mu     sync.Mutex
	timers map[string]*timer.Controller
	closed bool
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store remotestate.Store, cfg Config) *Coordinator {
	if cfg.HostID == "" {
		cfg.HostID = models.DefaultHostID
	}
	if cfg.DefaultTime <= 0 {
		cfg.DefaultTime = models.DefaultTimerSeconds
	}
	return &Coordinator{
		store:       store,
		hostID:      cfg.HostID,
		defaultTime: cfg.DefaultTime,
		timerOpts:   cfg.TimerOptions,
		timers:      make(map[string]*timer.Controller),
	}
}

// HostID returns the id reserved for the host.
func (c *Coordinator) HostID() string {
	return c.hostID
}

// Timer returns the attached controller for ownerID, creating it on first use.
// Attach runs outside c.mu so one slow load does not hold up other timers.
func (c *Coordinator) Timer(ctx context.Context, ownerID string) (*timer.Controller, error) {
	if !models.ValidID(ownerID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, ownerID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if ctrl, ok := c.timers[ownerID]; ok {
		c.mu.Unlock()
		return ctrl, nil
	}
	c.mu.Unlock()

	ctrl := timer.NewController(c.store, ownerID, c.defaultTime, c.timerOpts...)
	if err := ctrl.Attach(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ctrl.Detach()
		return nil, ErrClosed
	}
	if existing, ok := c.timers[ownerID]; ok {
		// lost the race to a concurrent caller
		_ = ctrl.Detach()
		return existing, nil
	}
	c.timers[ownerID] = ctrl

	log.Info().Str("owner", ownerID).Msg("timer controller attached")
	return ctrl, nil
}

// Start starts the timer of ownerID.
func (c *Coordinator) Start(ctx context.Context, ownerID string) error {
	ctrl, err := c.Timer(ctx, ownerID)
	if err != nil {
		return err
	}
	return ctrl.Start(ctx)
}

// Pause pauses the timer of ownerID.
func (c *Coordinator) Pause(ctx context.Context, ownerID string) error {
	ctrl, err := c.Timer(ctx, ownerID)
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx)
}

// Reset resets the timer of ownerID.
func (c *Coordinator) Reset(ctx context.Context, ownerID string) error {
	ctrl, err := c.Timer(ctx, ownerID)
	if err != nil {
		return err
	}
	return ctrl.Reset(ctx)
}

// SetCurrentTime edits the timer of ownerID.
func (c *Coordinator) SetCurrentTime(ctx context.Context, ownerID string, value int) error {
	ctrl, err := c.Timer(ctx, ownerID)
	if err != nil {
		return err
	}
	return ctrl.SetCurrentTime(ctx, value)
}

// TimerState returns the view of the timer of ownerID. Timers this
// coordinator does not control are read through a short-lived observer, so
// reading never creates a remote document.
func (c *Coordinator) TimerState(ctx context.Context, ownerID string) (timer.State, error) {
	if !models.ValidID(ownerID) {
		return timer.State{}, fmt.Errorf("%w: %q", ErrInvalidID, ownerID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return timer.State{}, ErrClosed
	}
	ctrl, ok := c.timers[ownerID]
	c.mu.Unlock()
	if ok {
		return ctrl.State(), nil
	}

	opts := append([]timer.Option{timer.ReadOnly()}, c.timerOpts...)
	observer := timer.NewController(c.store, ownerID, c.defaultTime, opts...)
	if err := observer.Attach(ctx); err != nil {
		return timer.State{}, err
	}
	state := observer.State()
	if err := observer.Detach(); err != nil {
		log.Warn().Err(err).Str("owner", ownerID).Msg("failed to detach timer observer")
	}
	return state, nil
}

// Open prepares the session for the host: answers start hidden.
func (c *Coordinator) Open(ctx context.Context) error {
	if _, err := c.store.Set(ctx, models.RevealPath, false); err != nil {
		return fmt.Errorf("hide answers: %w", err)
	}
	return nil
}

// JoinTeam registers teamID with a zero score. Joining again keeps the score.
func (c *Coordinator) JoinTeam(ctx context.Context, teamID string) error {
	if !models.ValidID(teamID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, teamID)
	}

	_, err := c.store.Get(ctx, models.TeamPath(teamID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, remotestate.ErrNotFound) {
		return fmt.Errorf("load team %s: %w", teamID, err)
	}

	if _, err := c.store.Set(ctx, models.TeamPath(teamID), models.Team{ID: teamID}); err != nil {
		return fmt.Errorf("create team %s: %w", teamID, err)
	}
	log.Info().Str("team", teamID).Msg("team joined")
	return nil
}

// SubmitAnswer records raw as the answer of teamID. Input that is not a
// number is stored as is and scored as no answer. Empty input clears it.
func (c *Coordinator) SubmitAnswer(ctx context.Context, teamID, raw string) (models.Answer, error) {
	if !models.ValidID(teamID) {
		return models.Answer{}, fmt.Errorf("%w: %q", ErrInvalidID, teamID)
	}

	answer := models.ParseAnswer(raw)
	var value any
	if answer.Present() {
		value = answer
	}
	if _, err := c.store.Update(ctx, models.TeamPath(teamID), map[string]any{"answer": value}); err != nil {
		return models.Answer{}, fmt.Errorf("submit answer for %s: %w", teamID, err)
	}

	if !answer.Valid && answer.Present() {
		log.Warn().Str("team", teamID).Str("input", raw).Msg("malformed answer stored, it will not score")
	}
	return answer, nil
}

// Teams returns every team keyed by id, the host included.
func (c *Coordinator) Teams(ctx context.Context) (map[string]models.Team, error) {
	entry, err := c.store.Get(ctx, models.TeamsPath)
	if errors.Is(err, remotestate.ErrNotFound) {
		return map[string]models.Team{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}

	teams, err := models.DecodeTeams(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("decode teams: %w", err)
	}
	return teams, nil
}

// AnswersShown reports the reveal flag. An unset flag is false.
func (c *Coordinator) AnswersShown(ctx context.Context) (bool, error) {
	entry, err := c.store.Get(ctx, models.RevealPath)
	if errors.Is(err, remotestate.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load reveal flag: %w", err)
	}

	var shown bool
	if err := json.Unmarshal(entry.Value, &shown); err != nil {
		log.Warn().Err(err).Msg("reveal flag is not a boolean, treating as hidden")
		return false, nil
	}
	return shown, nil
}

// ResolveRound scores the current answers against target, or against the
// host's own answer when target is nil, persists every non-host team's new
// score and then toggles the reveal flag. Without a usable target no score
// is written but the flag is still toggled.
//
// Each resolution is numbered and every score write records that number, so
// retrying after a partial failure recomputes from the scores the round
// started with instead of crediting the winners twice.
func (c *Coordinator) ResolveRound(ctx context.Context, target *float64) (scoring.Resolution, error) {
	round, err := c.resolvedRounds(ctx)
	if err != nil {
		return scoring.Resolution{}, err
	}
	round++

	teams, err := c.Teams(ctx)
	if err != nil {
		return scoring.Resolution{}, err
	}
	for id, team := range teams {
		if team.LastRound == round {
			log.Debug().Str("team", id).Int("round", round).Msg("rewinding partially credited round")
		}
		team.Score = team.ScoreBefore(round)
		teams[id] = team
	}

	var want models.Answer
	if target != nil {
		want = models.NewAnswer(*target)
	} else if host, ok := teams[c.hostID]; ok {
		want = host.Answer
	}

	res := scoring.Resolve(teams, want, c.hostID)
	if res.Resolved {
		if err := c.writeScores(ctx, round, res); err != nil {
			return res, err
		}
		log.Info().
			Int("round", round).
			Float64("target", want.Value).
			Strs("winners", res.Winners).
			Msg("round resolved")
	} else {
		log.Info().Int("round", round).Msg("round has no target, scores unchanged")
	}

	if err := c.toggleReveal(ctx); err != nil {
		return res, err
	}
	if _, err := c.store.Set(ctx, models.RoundPath, round); err != nil {
		return res, fmt.Errorf("record round %d: %w", round, err)
	}
	return res, nil
}

// resolvedRounds returns the number of the last fully resolved round.
func (c *Coordinator) resolvedRounds(ctx context.Context) (int, error) {
	entry, err := c.store.Get(ctx, models.RoundPath)
	if errors.Is(err, remotestate.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load round: %w", err)
	}

	var round int
	if err := json.Unmarshal(entry.Value, &round); err != nil {
		log.Warn().Err(err).Msg("round counter is not a number, starting over")
		return 0, nil
	}
	return round, nil
}

func (c *Coordinator) writeScores(ctx context.Context, round int, res scoring.Resolution) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, score := range res.Scores {
		points := res.PointsByTeam[id]
		g.Go(func() error {
			_, err := c.store.Update(gctx, models.TeamPath(id), map[string]any{
				"score":      score,
				"lastPoints": points,
				"lastRound":  round,
			})
			if err != nil {
				return fmt.Errorf("write score for %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) toggleReveal(ctx context.Context) error {
	shown, err := c.AnswersShown(ctx)
	if err != nil {
		return err
	}
	if _, err := c.store.Set(ctx, models.RevealPath, !shown); err != nil {
		return fmt.Errorf("toggle reveal flag: %w", err)
	}
	return nil
}

// RevealAnswers shows every team's answer.
func (c *Coordinator) RevealAnswers(ctx context.Context) error {
	if _, err := c.store.Set(ctx, models.RevealPath, true); err != nil {
		return fmt.Errorf("reveal answers: %w", err)
	}
	return nil
}

// ClearAnswers removes every submitted answer, the host's included, so the
// next round starts empty. Scores are kept.
func (c *Coordinator) ClearAnswers(ctx context.Context) error {
	teams, err := c.Teams(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, team := range teams {
		if !team.Answer.Present() {
			continue
		}
		g.Go(func() error {
			if _, err := c.store.Update(gctx, models.TeamPath(id), map[string]any{"answer": nil}); err != nil {
				return fmt.Errorf("clear answer for %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Controls reports which host buttons are enabled: resolving needs the
// answers shown, revealing needs them hidden, and both need at least one
// non-host answer.
func (c *Coordinator) Controls(ctx context.Context) (Controls, error) {
	teams, err := c.Teams(ctx)
	if err != nil {
		return Controls{}, err
	}
	shown, err := c.AnswersShown(ctx)
	if err != nil {
		return Controls{}, err
	}

	hasAnswers := false
	for id, team := range teams {
		if id != c.hostID && team.Answer.Present() {
			hasAnswers = true
			break
		}
	}

	return Controls{
		AnswersShown: shown,
		HasAnswers:   hasAnswers,
		CanResolve:   shown && hasAnswers,
		CanReveal:    !shown && hasAnswers,
	}, nil
}

// Close detaches every timer controller. Remote documents are kept.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for owner, ctrl := range c.timers {
		if err := ctrl.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("detach timer %s: %w", owner, err))
		}
	}
	c.timers = nil
	return errors.Join(errs...)
}
