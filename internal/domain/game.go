package domain

import "time"

// Canonical move tokens. Anything else is rejected before any state is touched.
const (
	MoveRock     = "rock"
	MovePaper    = "paper"
	MoveScissors = "scissors"
)

func ValidMove(value string) bool {
	switch value {
	case MoveRock, MovePaper, MoveScissors:
		return true
	default:
		return false
	}
}

type GameSession struct {
	ID        string
	UserID    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
}

type ChainEntry struct {
	SessionID string
	Position  int
	Value     string
	CreatedAt time.Time
}

// Score is an immutable snapshot written once per session end. The session
// reference is nullable so leaderboard history survives session cleanup.
type Score struct {
	ID         int64
	UserID     string
	SessionID  string
	Points     int
	RecordedAt time.Time
}

type LeaderboardEntry struct {
	Rank      int
	UserID    string
	BestScore int
}
