package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/OpenTabCommunity/tab-chain-go/internal/judge"
	"github.com/OpenTabCommunity/tab-chain-go/internal/msgcat"
	"github.com/OpenTabCommunity/tab-chain-go/internal/service/game"
	"github.com/OpenTabCommunity/tab-chain-go/pkg/gamedto"
)

const headerUserID = "X-User-Id"

// Server exposes the game service over HTTP. Identity comes from the
// X-User-Id header, which an upstream gateway is expected to have verified.
type Server struct {
	svc    *game.Service
	msgs   *msgcat.Catalog
	logger *zap.Logger
	srv    *fasthttp.Server
}

func NewServer(svc *game.Service, msgs *msgcat.Catalog, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, msgs: msgs, logger: logger}
	s.srv = &fasthttp.Server{
		Handler:          s.Handle,
		Name:             "tab-chain",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		DisableKeepalive: false,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("http api listening", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handle is the root request handler. Routing is a plain switch: the API
// surface is four endpoints and does not warrant a router dependency.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	method := string(ctx.Method())

	userID := string(ctx.Request.Header.Peek(headerUserID))
	if userID == "" {
		s.writeDomainError(ctx, fasthttp.StatusUnauthorized, gamedto.DomainError{Code: gamedto.CodeUnauthorized})
		return
	}

	switch {
	case path == "/api/game/play" && method == fasthttp.MethodPost:
		s.handlePlay(ctx, userID)
	case path == "/api/game/end" && method == fasthttp.MethodPost:
		s.handleEnd(ctx, userID)
	case path == "/api/game/session" && method == fasthttp.MethodGet:
		s.handleSession(ctx, userID)
	case path == "/api/game/leaderboard" && method == fasthttp.MethodGet:
		s.handleLeaderboard(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}

	s.logger.Debug("http request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Server) handlePlay(ctx *fasthttp.RequestCtx, userID string) {
	var req gamedto.PlayRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeDomainError(ctx, fasthttp.StatusBadRequest, gamedto.DomainError{Code: gamedto.CodeBadRequest})
		return
	}

	res, err := s.svc.Play(ctx, userID, req.Move, req.SessionID)
	if err != nil {
		s.writeServiceError(ctx, err)
		return
	}

	resp := gamedto.PlayResponse{
		Result:       res.Result,
		SessionID:    res.SessionID,
		Chain:        res.Chain,
		Message:      res.Message,
		Explanation:  res.Explanation,
		CurrentScore: res.CurrentScore,
		FinalScore:   res.FinalScore,
	}
	if resp.Message == "" {
		resp.Message = s.playMessage(res)
	}
	s.writeJSON(ctx, fasthttp.StatusOK, resp)
}

// playMessage fills in a canned message when the judge did not supply one.
func (s *Server) playMessage(res *game.PlayResult) string {
	key := "game.win"
	score := res.CurrentScore
	switch res.Result {
	case game.ResultLost:
		key = "game.loss"
		if res.FinalScore != nil {
			score = *res.FinalScore
		}
	case game.ResultTie:
		key = "game.tie"
	}
	msg, err := s.msgs.Render(key, map[string]any{
		"Move":  lastMove(res),
		"Score": score,
	})
	if err != nil {
		s.logger.Warn("message render failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return msg
}

func lastMove(res *game.PlayResult) string {
	if len(res.Chain) == 0 {
		return ""
	}
	return res.Chain[len(res.Chain)-1]
}

func (s *Server) handleEnd(ctx *fasthttp.RequestCtx, userID string) {
	var req gamedto.EndSessionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeDomainError(ctx, fasthttp.StatusBadRequest, gamedto.DomainError{Code: gamedto.CodeBadRequest})
		return
	}

	res, err := s.svc.End(ctx, userID, req.SessionID)
	if err != nil {
		s.writeServiceError(ctx, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, gamedto.EndSessionResponse{
		SessionID:  res.SessionID,
		FinalScore: res.FinalScore,
		BestScore:  res.BestScore,
	})
}

func (s *Server) handleSession(ctx *fasthttp.RequestCtx, userID string) {
	view, err := s.svc.Current(ctx, userID)
	if err != nil {
		s.writeServiceError(ctx, err)
		return
	}
	chain := view.Chain
	if chain == nil {
		chain = []string{}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, gamedto.SessionResponse{
		SessionID:    view.SessionID,
		Active:       view.Active,
		Chain:        chain,
		CurrentScore: view.CurrentScore,
	})
}

func (s *Server) handleLeaderboard(ctx *fasthttp.RequestCtx) {
	limit := 0
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeDomainError(ctx, fasthttp.StatusBadRequest, gamedto.DomainError{Code: gamedto.CodeBadRequest})
			return
		}
		limit = n
	}

	entries, err := s.svc.Leaderboard(ctx, limit)
	if err != nil {
		s.writeServiceError(ctx, err)
		return
	}

	resp := gamedto.LeaderboardResponse{Entries: make([]gamedto.LeaderboardEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, gamedto.LeaderboardEntry{
			Rank:      e.Rank,
			UserID:    e.UserID,
			BestScore: e.BestScore,
		})
	}
	s.writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) writeServiceError(ctx *fasthttp.RequestCtx, err error) {
	status, derr := classify(err)
	if status == fasthttp.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeDomainError(ctx, status, derr)
}

// classify maps service and judge errors to an HTTP status and a DomainError.
// The message is filled in later from the catalog, keyed by the code.
func classify(err error) (int, gamedto.DomainError) {
	var badStatus *judge.BadStatusError
	switch {
	case errors.Is(err, game.ErrInvalidMove):
		return fasthttp.StatusBadRequest, gamedto.DomainError{Code: gamedto.CodeInvalidMove}
	case errors.Is(err, game.ErrInvalidSession):
		return fasthttp.StatusBadRequest, gamedto.DomainError{Code: gamedto.CodeInvalidSession}
	case errors.Is(err, game.ErrSessionNotFound):
		return fasthttp.StatusNotFound, gamedto.DomainError{Code: gamedto.CodeSessionNotFound}
	case errors.Is(err, game.ErrSessionEnded):
		return fasthttp.StatusConflict, gamedto.DomainError{Code: gamedto.CodeSessionEnded}
	case errors.Is(err, judge.ErrUnavailable),
		errors.Is(err, judge.ErrUnreachable),
		errors.Is(err, judge.ErrNotConfigured):
		return fasthttp.StatusServiceUnavailable, gamedto.DomainError{Code: gamedto.CodeJudgeUnavailable, Retryable: true}
	case errors.Is(err, judge.ErrInvalidResponse), errors.As(err, &badStatus):
		return fasthttp.StatusBadGateway, gamedto.DomainError{Code: gamedto.CodeJudgeBadResponse}
	}
	return fasthttp.StatusInternalServerError, gamedto.DomainError{Code: gamedto.CodeInternal}
}

func (s *Server) writeDomainError(ctx *fasthttp.RequestCtx, status int, derr gamedto.DomainError) {
	if derr.Message == "" {
		msg, err := s.msgs.Render("error."+derr.Code, nil)
		if err != nil {
			s.logger.Warn("message render failed", zap.String("code", derr.Code), zap.Error(err))
		} else {
			derr.Message = msg
		}
	}
	s.writeJSON(ctx, status, gamedto.ErrorResponse{
		Error:     derr.Error(),
		Code:      derr.Code,
		Retryable: derr.Retryable,
	})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetBody(payload)
}
