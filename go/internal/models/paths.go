package models

import "strings"

// Well-known store paths.
const (
	TimersPath = "/timer"
	TeamsPath  = "/teams"
	RevealPath = "/revealAnswers"
	// RoundPath holds the number of the last fully resolved round.
	RoundPath = "/round"
)

// TimerPath returns the path of the timer owned by ownerID.
func TimerPath(ownerID string) string {
	return TimersPath + "/" + ownerID
}

// TeamPath returns the path of the team document for teamID.
func TeamPath(teamID string) string {
	return TeamsPath + "/" + teamID
}

// ValidID reports whether id can be used as a single path segment.
func ValidID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/.*> \t\n") {
		return false
	}
	return true
}
