package gamedto

// Wire shapes for the inbound game API. Field names follow the responses the
// original service exposed so existing clients keep working.

type PlayRequest struct {
	Move      string `json:"move"`
	SessionID string `json:"session_id,omitempty"`
}

type PlayResponse struct {
	Result       string   `json:"result"`
	SessionID    string   `json:"session_id"`
	Chain        []string `json:"chain,omitempty"`
	Message      string   `json:"message,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	CurrentScore int      `json:"current_score,omitempty"`
	FinalScore   *int     `json:"final_score,omitempty"`
}

type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

type EndSessionResponse struct {
	SessionID  string `json:"session_id"`
	FinalScore int    `json:"final_score"`
	BestScore  int    `json:"best_score"`
}

type SessionResponse struct {
	SessionID    string   `json:"session_id,omitempty"`
	Active       bool     `json:"active"`
	Chain        []string `json:"chain"`
	CurrentScore int      `json:"current_score"`
}

type LeaderboardEntry struct {
	Rank      int    `json:"rank"`
	UserID    string `json:"user"`
	BestScore int    `json:"best_score"`
}

type LeaderboardResponse struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}
