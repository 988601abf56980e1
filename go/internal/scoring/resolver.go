// Package scoring decides which teams win a round.
package scoring

import (
	"sort"

	"github.com/mcdev12/quizclock/go/internal/models"
)

// Resolution is the outcome of one round.
type Resolution struct {
	// Resolved is false when no target was available; nothing else is set then.
	Resolved     bool           `json:"resolved"`
	Winners      []string       `json:"winners"`
	PointsByTeam map[string]int `json:"pointsByTeam"`
	// Scores holds each non-host team's score after PointsByTeam is applied.
	Scores map[string]int `json:"scores"`
}

// IsWinner reports whether teamID won the round.
func (r Resolution) IsWinner(teamID string) bool {
	return r.PointsByTeam[teamID] == 1
}

// Resolve scores a round against target.
//
// Teams whose answer equals the target win outright. Otherwise the teams
// with the lowest answer not above the target win, sharing the point on a
// tie. Nobody wins when every answer overshoots. The host never competes
// and never receives points. Malformed answers count as no answer.
func Resolve(teams map[string]models.Team, target models.Answer, hostID string) Resolution {
	if !target.Valid {
		return Resolution{}
	}

	var exact, eligible []models.Team
	for id, team := range teams {
		if id == hostID || !team.Answer.Valid {
			continue
		}
		team.ID = id
		switch {
		case team.Answer.Value == target.Value:
			exact = append(exact, team)
		case team.Answer.Value <= target.Value:
			eligible = append(eligible, team)
		}
	}

	winners := winningIDs(exact, eligible)

	res := Resolution{
		Resolved:     true,
		Winners:      winners,
		PointsByTeam: make(map[string]int, len(teams)),
		Scores:       make(map[string]int, len(teams)),
	}
	won := make(map[string]bool, len(winners))
	for _, id := range winners {
		won[id] = true
	}
	for id, team := range teams {
		if id == hostID {
			continue
		}
		points := 0
		if won[id] {
			points = 1
		}
		res.PointsByTeam[id] = points
		res.Scores[id] = team.Score + points
	}
	return res
}

func winningIDs(exact, eligible []models.Team) []string {
	group := exact
	if len(group) == 0 {
		if len(eligible) == 0 {
			return []string{}
		}
		best := eligible[0].Answer.Value
		for _, team := range eligible[1:] {
			if team.Answer.Value < best {
				best = team.Answer.Value
			}
		}
		for _, team := range eligible {
			if team.Answer.Value == best {
				group = append(group, team)
			}
		}
	}

	ids := make([]string, 0, len(group))
	for _, team := range group {
		ids = append(ids, team.ID)
	}
	sort.Strings(ids)
	return ids
}
