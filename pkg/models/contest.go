package models

import (
	"fmt"
	"sort"
	"time"
)

// ContestPhase represents the phase of a Codeforces contest
type ContestPhase string

const (
	ContestPhaseBefore        ContestPhase = "BEFORE"
	ContestPhaseCoding        ContestPhase = "CODING"
	ContestPhasePendingSystem ContestPhase = "PENDING_SYSTEM_TEST"
	ContestPhaseSystemTest    ContestPhase = "SYSTEM_TEST"
	ContestPhaseFinished      ContestPhase = "FINISHED"
)

// ContestURLBase is the public contest page prefix
const ContestURLBase = "https://codeforces.com/contests/"

// Contest mirrors the Codeforces API contest object
type Contest struct {
	ID                  int          `json:"id"`
	Name                string       `json:"name"`
	Type                string       `json:"type"` // "CF", "IOI", "ICPC"
	Phase               ContestPhase `json:"phase"`
	Frozen              bool         `json:"frozen"`
	DurationSeconds     int64        `json:"durationSeconds"`
	StartTimeSeconds    int64        `json:"startTimeSeconds,omitempty"`
	RelativeTimeSeconds int64        `json:"relativeTimeSeconds,omitempty"`
}

// StartTime returns the contest start in UTC
func (c Contest) StartTime() time.Time {
	return time.Unix(c.StartTimeSeconds, 0).UTC()
}

// Duration returns the contest length
func (c Contest) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// URL returns the public link to the contest
func (c Contest) URL() string {
	return fmt.Sprintf("%s%d", ContestURLBase, c.ID)
}

// IsUpcoming reports whether registration is still open (contest not started)
func (c Contest) IsUpcoming() bool {
	return c.Phase == ContestPhaseBefore
}

// StartsAfter reports whether the contest starts strictly after t
func (c Contest) StartsAfter(t time.Time) bool {
	return c.StartTime().After(t)
}

// FilterUpcoming keeps BEFORE-phase contests ordered by start time
func FilterUpcoming(contests []Contest) []Contest {
	upcoming := make([]Contest, 0, len(contests))
	for _, c := range contests {
		if c.IsUpcoming() {
			upcoming = append(upcoming, c)
		}
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].StartTimeSeconds < upcoming[j].StartTimeSeconds
	})
	return upcoming
}
