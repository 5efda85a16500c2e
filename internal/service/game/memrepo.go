package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTabCommunity/tab-chain-go/internal/domain"
)

// memrepo is a development-only in-memory repository implementation used when
// no DB is configured. Per-session mutexes give it the same single-writer
// guarantee the postgres row lock provides.
type memrepo struct {
	mu sync.Mutex

	sessions map[string]*domain.GameSession
	chains   map[string][]string
	scores   []*domain.Score
	locks    map[string]*sync.Mutex

	nextScoreID int64
}

func NewMemoryRepository() Repository {
	return &memrepo{
		sessions: make(map[string]*domain.GameSession),
		chains:   make(map[string][]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *memrepo) CreateSession(ctx context.Context, userID string) (*domain.GameSession, error) {
	now := time.Now()
	sess := &domain.GameSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.chains[sess.ID] = []string{}
	m.locks[sess.ID] = &sync.Mutex{}
	m.mu.Unlock()

	copy := *sess
	return &copy, nil
}

func (m *memrepo) GetSession(ctx context.Context, sessionID, userID string) (*domain.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, nil
	}
	copy := *sess
	return &copy, nil
}

func (m *memrepo) LatestActiveSession(ctx context.Context, userID string) (*domain.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.GameSession
	for _, sess := range m.sessions {
		if sess.UserID != userID || !sess.Active {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, nil
	}
	copy := *latest
	return &copy, nil
}

func (m *memrepo) Chain(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.chains[sessionID]...), nil
}

func (m *memrepo) Mutate(ctx context.Context, sessionID, userID string, fn func(tx SessionTx) error) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	lock := m.locks[sessionID]
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	return fn(&memSessionTx{repo: m, sess: sess})
}

type memSessionTx struct {
	repo *memrepo
	sess *domain.GameSession
}

func (t *memSessionTx) Session() *domain.GameSession { return t.sess }

func (t *memSessionTx) Chain() ([]string, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return append([]string{}, t.repo.chains[t.sess.ID]...), nil
}

func (t *memSessionTx) Append(value string) (int, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	chain := append(t.repo.chains[t.sess.ID], value)
	t.repo.chains[t.sess.ID] = chain
	t.sess.UpdatedAt = time.Now()
	return len(chain), nil
}

func (t *memSessionTx) End(endedAt time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.sess.Active = false
	t.sess.EndedAt = &endedAt
	t.sess.UpdatedAt = time.Now()
	return nil
}

func (t *memSessionTx) RecordScore(points int) (*domain.Score, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.nextScoreID++
	score := &domain.Score{
		ID:         t.repo.nextScoreID,
		UserID:     t.sess.UserID,
		SessionID:  t.sess.ID,
		Points:     points,
		RecordedAt: time.Now(),
	}
	t.repo.scores = append(t.repo.scores, score)
	copy := *score
	return &copy, nil
}

func (t *memSessionTx) Score() (*domain.Score, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for i := len(t.repo.scores) - 1; i >= 0; i-- {
		if t.repo.scores[i].SessionID == t.sess.ID {
			copy := *t.repo.scores[i]
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *memrepo) BestScore(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := 0
	for _, s := range m.scores {
		if s.UserID == userID && s.Points > best {
			best = s.Points
		}
	}
	return best, nil
}

func (m *memrepo) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bestByUser := make(map[string]int)
	for _, s := range m.scores {
		if cur, ok := bestByUser[s.UserID]; !ok || s.Points > cur {
			bestByUser[s.UserID] = s.Points
		}
	}
	entries := make([]domain.LeaderboardEntry, 0, len(bestByUser))
	for user, best := range bestByUser {
		entries = append(entries, domain.LeaderboardEntry{UserID: user, BestScore: best})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BestScore != entries[j].BestScore {
			return entries[i].BestScore > entries[j].BestScore
		}
		return entries[i].UserID < entries[j].UserID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *memrepo) Close() error { return nil }
