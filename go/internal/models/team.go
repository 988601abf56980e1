package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DefaultHostID is the team id reserved for the quiz host.
const DefaultHostID = "admin"

// Team is the document stored at /teams/{id}.
type Team struct {
	ID         string `json:"-"`
	Answer     Answer `json:"answer"`
	Score      int    `json:"score"`
	LastPoints int    `json:"lastPoints,omitempty"`
	// LastRound is the round whose points are included in Score.
	LastRound int `json:"lastRound,omitempty"`
}

// ScoreBefore returns the score the team had before round was credited.
func (t Team) ScoreBefore(round int) int {
	if round != 0 && t.LastRound == round {
		return t.Score - t.LastPoints
	}
	return t.Score
}

// Answer is a submitted numeric answer. Anything that does not decode to a
// finite number is kept verbatim in Raw and reported as not Valid.
type Answer struct {
	Value float64
	Valid bool
	Raw   json.RawMessage
}

// NewAnswer returns a valid answer holding v.
func NewAnswer(v float64) Answer {
	return Answer{Value: v, Valid: true}
}

// ParseAnswer interprets user input as a number. Surrounding whitespace is
// ignored; NaN and infinities are malformed.
func ParseAnswer(input string) Answer {
	s := strings.TrimSpace(input)
	if s == "" {
		return Answer{}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		raw, _ := json.Marshal(input)
		return Answer{Raw: raw}
	}
	return NewAnswer(v)
}

// Present reports whether any answer was submitted, valid or not.
func (a Answer) Present() bool {
	return a.Valid || len(a.Raw) > 0
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	*a = Answer{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			a.Raw = append(json.RawMessage(nil), trimmed...)
			return nil
		}
		*a = ParseAnswer(s)
		if !a.Valid {
			a.Raw = append(json.RawMessage(nil), trimmed...)
		}
	default:
		var v float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			// booleans, objects and arrays are not answers
			a.Raw = append(json.RawMessage(nil), trimmed...)
			return nil
		}
		*a = NewAnswer(v)
	}
	return nil
}

func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Valid {
		return json.Marshal(a.Value)
	}
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	return []byte("null"), nil
}

// DecodeTeams decodes the object stored under /teams into teams keyed by id.
// Entries that are not team documents are skipped.
func DecodeTeams(data []byte) (map[string]Team, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	teams := make(map[string]Team, len(raw))
	for id, doc := range raw {
		var team Team
		if err := json.Unmarshal(doc, &team); err != nil {
			continue
		}
		team.ID = id
		teams[id] = team
	}
	return teams, nil
}
