package models

// DefaultTimerSeconds is the reset target used when none is configured.
const DefaultTimerSeconds = 60

// TimerDoc is the document stored at /timer/{ownerId}.
type TimerDoc struct {
	CurrentTime int  `json:"currentTime"`
	DefaultTime int  `json:"defaultTime"`
	IsRunning   bool `json:"isRunning"`
}

// Normalize clamps the document into 0 <= CurrentTime <= DefaultTime and
// clears IsRunning at zero. fallbackDefault is used when DefaultTime is unset.
func (d TimerDoc) Normalize(fallbackDefault int) TimerDoc {
	if d.DefaultTime <= 0 {
		d.DefaultTime = fallbackDefault
	}
	if d.CurrentTime < 0 {
		d.CurrentTime = 0
	}
	if d.CurrentTime > d.DefaultTime {
		d.CurrentTime = d.DefaultTime
	}
	if d.CurrentTime == 0 {
		d.IsRunning = false
	}
	return d
}
