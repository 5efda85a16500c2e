package game

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/OpenTabCommunity/tab-chain-go/internal/judge"
)

// stubDecider pops scripted verdicts; once the script runs out it repeats the
// last one. Safe for concurrent use.
type stubDecider struct {
	mu       sync.Mutex
	verdicts []judge.Verdict
	err      error
	calls    int
}

func (d *stubDecider) Decide(ctx context.Context, move string, chain []string) (judge.Verdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return judge.Verdict{}, d.err
	}
	if len(d.verdicts) == 0 {
		return judge.Verdict{Outcome: judge.OutcomeWin}, nil
	}
	v := d.verdicts[0]
	if len(d.verdicts) > 1 {
		d.verdicts = d.verdicts[1:]
	}
	return v, nil
}

func win() judge.Verdict  { return judge.Verdict{Outcome: judge.OutcomeWin, Message: "beats it"} }
func lose() judge.Verdict { return judge.Verdict{Outcome: judge.OutcomeLose, Message: "loses"} }

func newTestService(t *testing.T, d *stubDecider) (*Service, *memrepo) {
	t.Helper()
	repo := NewMemoryRepository()
	svc, err := NewService(d, repo, nil, Config{LeaderboardDefault: 10, LeaderboardMax: 100}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, repo.(*memrepo)
}

func TestWinStreakGrowsChain(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{verdicts: []judge.Verdict{win()}})
	ctx := context.Background()

	var sessionID string
	for i := 1; i <= 3; i++ {
		res, err := svc.Play(ctx, "u1", "rock", sessionID)
		if err != nil {
			t.Fatalf("Play #%d: %v", i, err)
		}
		if res.Result != ResultCorrect {
			t.Fatalf("Play #%d: expected correct, got %q", i, res.Result)
		}
		if res.CurrentScore != i || len(res.Chain) != i {
			t.Fatalf("Play #%d: expected score %d, got score=%d chain=%d", i, i, res.CurrentScore, len(res.Chain))
		}
		sessionID = res.SessionID
	}

	sess, err := svc.Current(ctx, "u1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !sess.Active || sess.CurrentScore != 3 {
		t.Fatalf("expected active session with score 3, got %+v", sess)
	}
	// no terminal snapshot while the session is alive
	if len(mr.scores) != 0 {
		t.Fatalf("expected no score rows, got %d", len(mr.scores))
	}
}

func TestLossFinalizesSession(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{verdicts: []judge.Verdict{win(), win(), lose()}})
	ctx := context.Background()

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	sessionID := res.SessionID
	if _, err := svc.Play(ctx, "u1", "paper", sessionID); err != nil {
		t.Fatalf("Play: %v", err)
	}

	res, err = svc.Play(ctx, "u1", "scissors", sessionID)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Result != ResultLost || !res.Ended {
		t.Fatalf("expected terminal loss, got %+v", res)
	}
	if res.FinalScore == nil || *res.FinalScore != 2 {
		t.Fatalf("expected final score 2, got %v", res.FinalScore)
	}
	// losing move is not appended
	if len(res.Chain) != 2 {
		t.Fatalf("expected frozen chain of 2, got %d", len(res.Chain))
	}

	sess := mr.sessions[sessionID]
	if sess.Active || sess.EndedAt == nil {
		t.Fatalf("expected ended session, got active=%v ended_at=%v", sess.Active, sess.EndedAt)
	}
	if len(mr.scores) != 1 || mr.scores[0].Points != 2 {
		t.Fatalf("expected exactly one score row with 2 points, got %+v", mr.scores)
	}

	// chain is frozen: further moves are rejected without a judge call
	before := len(mr.chains[sessionID])
	if _, err := svc.Play(ctx, "u1", "rock", sessionID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if len(mr.chains[sessionID]) != before {
		t.Fatalf("chain mutated after session end")
	}
}

func TestLossOnFirstMoveScoresZero(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{verdicts: []judge.Verdict{lose()}})
	res, err := svc.Play(context.Background(), "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.FinalScore == nil || *res.FinalScore != 0 {
		t.Fatalf("expected final score 0, got %v", res.FinalScore)
	}
	if len(mr.scores) != 1 || mr.scores[0].Points != 0 {
		t.Fatalf("expected one zero-point score row, got %+v", mr.scores)
	}
}

func TestTieLeavesChainUntouched(t *testing.T) {
	svc, _ := newTestService(t, &stubDecider{verdicts: []judge.Verdict{
		win(),
		{Outcome: judge.OutcomeTie, Message: "both rock"},
	}})
	ctx := context.Background()

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	res, err = svc.Play(ctx, "u1", "rock", res.SessionID)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Result != ResultTie || res.CurrentScore != 1 || len(res.Chain) != 1 {
		t.Fatalf("expected tie with unchanged chain, got %+v", res)
	}
}

func TestInvalidMoveRejectedBeforeJudge(t *testing.T) {
	d := &stubDecider{}
	svc, _ := newTestService(t, d)
	if _, err := svc.Play(context.Background(), "u1", "lizard", ""); !errors.Is(err, ErrInvalidMove) {
		t.Fatalf("expected ErrInvalidMove, got %v", err)
	}
	if d.calls != 0 {
		t.Fatalf("judge must not be called for invalid moves")
	}
}

func TestSessionOwnershipAndExistence(t *testing.T) {
	svc, _ := newTestService(t, &stubDecider{})
	ctx := context.Background()

	if _, err := svc.Play(ctx, "u1", "rock", "not-a-uuid"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := svc.Play(ctx, "u1", "rock", uuid.NewString()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	// another user's session is a not-found condition, not a permission error
	if _, err := svc.Play(ctx, "u2", "rock", res.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign session, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{})
	ctx := context.Background()

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if _, err := svc.Play(ctx, "u1", "paper", res.SessionID); err != nil {
		t.Fatalf("Play: %v", err)
	}

	end, err := svc.End(ctx, "u1", res.SessionID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if end.FinalScore != 2 || end.BestScore != 2 {
		t.Fatalf("expected final=2 best=2, got %+v", end)
	}

	again, err := svc.End(ctx, "u1", res.SessionID)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if again.FinalScore != 2 {
		t.Fatalf("expected idempotent final score 2, got %d", again.FinalScore)
	}
	if len(mr.scores) != 1 {
		t.Fatalf("expected exactly one score row, got %d", len(mr.scores))
	}
}

func TestJudgeErrorsLeaveStateUntouched(t *testing.T) {
	d := &stubDecider{err: judge.ErrUnavailable}
	svc, mr := newTestService(t, d)
	ctx := context.Background()

	// establish a session first
	d.err = nil
	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	d.err = judge.ErrUnavailable
	if _, err := svc.Play(ctx, "u1", "paper", res.SessionID); !errors.Is(err, judge.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(mr.chains[res.SessionID]) != 1 {
		t.Fatalf("failed judge call must not mutate the chain")
	}
	if !mr.sessions[res.SessionID].Active {
		t.Fatalf("failed judge call must not end the session")
	}
}

func TestErrorVerdictIsBadResponse(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{verdicts: []judge.Verdict{
		win(),
		{Outcome: judge.OutcomeError, Message: "model refused"},
	}})
	ctx := context.Background()

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if _, err := svc.Play(ctx, "u1", "paper", res.SessionID); !errors.Is(err, judge.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if len(mr.chains[res.SessionID]) != 1 {
		t.Fatalf("error verdict must not mutate the chain")
	}
}

func TestConcurrentMovesAfterEndAreRejected(t *testing.T) {
	svc, mr := newTestService(t, &stubDecider{verdicts: []judge.Verdict{win(), lose()}})
	ctx := context.Background()

	res, err := svc.Play(ctx, "u1", "rock", "")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	sessionID := res.SessionID

	const workers = 8
	var wg sync.WaitGroup
	var lost, rejected, won int
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Play(ctx, "u1", "paper", sessionID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSessionEnded):
				rejected++
			case err == nil && r.Result == ResultLost:
				lost++
			case err == nil && r.Result == ResultCorrect:
				won++
			}
		}()
	}
	wg.Wait()

	if lost != 1 {
		t.Fatalf("expected exactly one terminal loss, got lost=%d won=%d rejected=%d", lost, won, rejected)
	}
	if lost+rejected != workers {
		t.Fatalf("every request after the loss must be rejected: lost=%d won=%d rejected=%d", lost, won, rejected)
	}
	if len(mr.scores) != 1 {
		t.Fatalf("expected a single score row, got %d", len(mr.scores))
	}
	if got := len(mr.chains[sessionID]); got != 1 {
		t.Fatalf("no chain entry may be written after the freeze, got %d", got)
	}
}

func TestLeaderboardRanksBestScores(t *testing.T) {
	svc, _ := newTestService(t, &stubDecider{})
	ctx := context.Background()

	playStreak := func(user string, n int) {
		var sessionID string
		for i := 0; i < n; i++ {
			res, err := svc.Play(ctx, user, "rock", sessionID)
			if err != nil {
				t.Fatalf("Play(%s): %v", user, err)
			}
			sessionID = res.SessionID
		}
		if _, err := svc.End(ctx, user, sessionID); err != nil {
			t.Fatalf("End(%s): %v", user, err)
		}
	}
	playStreak("alice", 5)
	playStreak("bob", 8)
	playStreak("alice", 3) // worse run must not shadow the best

	top, err := svc.Leaderboard(ctx, 1)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(top) != 1 || top[0].Rank != 1 || top[0].UserID != "bob" || top[0].BestScore != 8 {
		t.Fatalf("unexpected leaderboard head: %+v", top)
	}

	all, err := svc.Leaderboard(ctx, 0) // default limit
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(all) != 2 || all[1].UserID != "alice" || all[1].BestScore != 5 || all[1].Rank != 2 {
		t.Fatalf("unexpected leaderboard: %+v", all)
	}
}

func TestCurrentWithoutSession(t *testing.T) {
	svc, _ := newTestService(t, &stubDecider{})
	view, err := svc.Current(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if view.Active || view.SessionID != "" || view.CurrentScore != 0 {
		t.Fatalf("expected empty view, got %+v", view)
	}
}
