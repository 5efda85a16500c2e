package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenTabCommunity/tab-chain-go/internal/domain"
	"github.com/OpenTabCommunity/tab-chain-go/internal/judge"
	"github.com/OpenTabCommunity/tab-chain-go/internal/service/cache"
)

var (
	ErrInvalidMove     = errors.New("invalid move")
	ErrInvalidSession  = errors.New("invalid session id")
	ErrSessionNotFound = errors.New("game session not found")
	ErrSessionEnded    = errors.New("game session already ended")
)

// Results of a play, mirroring what the judge decided.
const (
	ResultCorrect = "correct"
	ResultLost    = "lost"
	ResultTie     = "tie"
)

// Decider adjudicates a move given the chain played so far.
type Decider interface {
	Decide(ctx context.Context, move string, chain []string) (judge.Verdict, error)
}

type Config struct {
	LeaderboardDefault int
	LeaderboardMax     int
}

// Service owns the session lifecycle: Active sessions grow an append-only
// chain move by move until a losing verdict or an explicit end freezes the
// chain and snapshots the score. All session writes go through
// Repository.Mutate so each session has at most one in-flight transition.
type Service struct {
	judge  Decider
	repo   Repository
	cache  *cache.Store
	cfg    Config
	logger *zap.Logger
}

func NewService(decider Decider, repo Repository, cacheStore *cache.Store, cfg Config, logger *zap.Logger) (*Service, error) {
	if decider == nil {
		return nil, fmt.Errorf("decision client is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("game repository is required")
	}
	if cfg.LeaderboardDefault <= 0 {
		cfg.LeaderboardDefault = 10
	}
	if cfg.LeaderboardMax <= 0 {
		cfg.LeaderboardMax = 100
	}
	if cfg.LeaderboardDefault > cfg.LeaderboardMax {
		cfg.LeaderboardDefault = cfg.LeaderboardMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		judge:  decider,
		repo:   repo,
		cache:  cacheStore,
		cfg:    cfg,
		logger: logger,
	}, nil
}

type PlayResult struct {
	Result       string
	SessionID    string
	Chain        []string
	Message      string
	Explanation  string
	CurrentScore int
	FinalScore   *int
	Ended        bool
}

type EndResult struct {
	SessionID  string
	FinalScore int
	BestScore  int
}

type SessionView struct {
	SessionID    string
	Active       bool
	Chain        []string
	CurrentScore int
}

// Play validates the move, resolves or creates the session, and applies the
// judge's verdict under the session lock. The judge call happens inside the
// locked mutation on purpose: it is the single suspension point, and holding
// the lock across it is what keeps concurrent moves on one session from
// interleaving check-then-act.
func (s *Service) Play(ctx context.Context, userID, move, sessionID string) (*PlayResult, error) {
	if !domain.ValidMove(move) {
		return nil, ErrInvalidMove
	}

	created := false
	if sessionID == "" {
		sess, err := s.repo.CreateSession(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
		created = true
	} else if uuid.Validate(sessionID) != nil {
		return nil, ErrInvalidSession
	}

	var result *PlayResult
	err := s.repo.Mutate(ctx, sessionID, userID, func(tx SessionTx) error {
		if !tx.Session().Active {
			return ErrSessionEnded
		}

		chain, err := tx.Chain()
		if err != nil {
			return err
		}

		verdict, err := s.judge.Decide(ctx, move, chain)
		if err != nil {
			return err
		}

		switch verdict.Outcome {
		case judge.OutcomeWin:
			position, err := tx.Append(move)
			if err != nil {
				return err
			}
			result = &PlayResult{
				Result:       ResultCorrect,
				SessionID:    sessionID,
				Chain:        append(chain, move),
				Message:      verdict.Message,
				Explanation:  verdict.Explanation,
				CurrentScore: position,
			}
			return nil

		case judge.OutcomeTie:
			result = &PlayResult{
				Result:       ResultTie,
				SessionID:    sessionID,
				Chain:        chain,
				Message:      verdict.Message,
				Explanation:  verdict.Explanation,
				CurrentScore: len(chain),
			}
			return nil

		case judge.OutcomeLose:
			// The losing move is never appended: the final score is the chain
			// length before it, floored at zero.
			final := len(chain)
			if final < 0 {
				final = 0
			}
			if err := tx.End(time.Now()); err != nil {
				return err
			}
			if _, err := tx.RecordScore(final); err != nil {
				return err
			}
			result = &PlayResult{
				Result:      ResultLost,
				SessionID:   sessionID,
				Chain:       chain,
				Message:     verdict.Message,
				Explanation: verdict.Explanation,
				FinalScore:  &final,
				Ended:       true,
			}
			return nil

		default:
			// The judge answered but declined to adjudicate.
			return fmt.Errorf("%w: judge reported an error verdict: %s",
				judge.ErrInvalidResponse, verdict.Message)
		}
	})
	if err != nil {
		return nil, err
	}

	if result.Ended {
		if cerr := s.cache.ClearActive(ctx, userID); cerr != nil {
			s.logger.Warn("failed to clear active session cache", zap.Error(cerr))
		}
	} else if cerr := s.cache.SetActive(ctx, userID, sessionID); cerr != nil {
		s.logger.Warn("failed to cache active session", zap.Error(cerr))
	}

	s.logger.Info("move adjudicated",
		zap.String("session_id", sessionID),
		zap.String("move", move),
		zap.String("result", result.Result),
		zap.Bool("new_session", created),
		zap.Int("score", result.CurrentScore),
	)
	return result, nil
}

// End finalizes a session. Calling it on an already-ended session is
// idempotent: the previously recorded final score is returned and no second
// Score row is written.
func (s *Service) End(ctx context.Context, userID, sessionID string) (*EndResult, error) {
	if uuid.Validate(sessionID) != nil {
		return nil, ErrInvalidSession
	}

	var final int
	err := s.repo.Mutate(ctx, sessionID, userID, func(tx SessionTx) error {
		if !tx.Session().Active {
			score, err := tx.Score()
			if err != nil {
				return err
			}
			if score != nil {
				final = score.Points
			}
			return nil
		}

		chain, err := tx.Chain()
		if err != nil {
			return err
		}
		final = len(chain)
		if err := tx.End(time.Now()); err != nil {
			return err
		}
		_, err = tx.RecordScore(final)
		return err
	})
	if err != nil {
		return nil, err
	}

	if cerr := s.cache.ClearActive(ctx, userID); cerr != nil {
		s.logger.Warn("failed to clear active session cache", zap.Error(cerr))
	}

	best, err := s.repo.BestScore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("best score: %w", err)
	}
	s.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Int("final_score", final),
	)
	return &EndResult{SessionID: sessionID, FinalScore: final, BestScore: best}, nil
}

// Current returns the caller's most recent active session, or a zero view
// when there is none.
func (s *Service) Current(ctx context.Context, userID string) (*SessionView, error) {
	var sess *domain.GameSession

	if cached, err := s.cache.Active(ctx, userID); err == nil && cached != "" {
		if found, gerr := s.repo.GetSession(ctx, cached, userID); gerr == nil && found != nil && found.Active {
			sess = found
		}
	}
	if sess == nil {
		found, err := s.repo.LatestActiveSession(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("latest active session: %w", err)
		}
		sess = found
	}
	if sess == nil {
		return &SessionView{Chain: []string{}}, nil
	}

	chain, err := s.repo.Chain(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	if cerr := s.cache.SetActive(ctx, userID, sess.ID); cerr != nil {
		s.logger.Warn("failed to cache active session", zap.Error(cerr))
	}
	return &SessionView{
		SessionID:    sess.ID,
		Active:       true,
		Chain:        chain,
		CurrentScore: len(chain),
	}, nil
}

// Leaderboard computes each user's best score, descending, ties broken by
// user id. Ranks are assigned 1-based after sorting.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = s.cfg.LeaderboardDefault
	}
	if limit > s.cfg.LeaderboardMax {
		limit = s.cfg.LeaderboardMax
	}
	entries, err := s.repo.TopScores(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
