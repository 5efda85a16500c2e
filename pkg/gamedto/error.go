package gamedto

// Error codes surfaced by the game API.
const (
	CodeInvalidMove      = "invalid_move"
	CodeInvalidSession   = "invalid_session"
	CodeSessionNotFound  = "session_not_found"
	CodeSessionEnded     = "session_ended"
	CodeJudgeUnavailable = "judge_unavailable"
	CodeJudgeBadResponse = "judge_bad_response"
	CodeUnauthorized     = "unauthorized"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal_error"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "game service error"
}
