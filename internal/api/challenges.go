package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
)

const (
	maxChallengeLimit = 500
	ledgerTimeout     = 3 * time.Second
)

// ChallengeHandler exposes read-only outcome history.
type ChallengeHandler struct {
	ledger  ledger.Ledger
	timeout time.Duration
	logger  *zap.Logger
}

// NewChallengeHandler wires the ledger and logger.
func NewChallengeHandler(l ledger.Ledger, logger *zap.Logger) *ChallengeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChallengeHandler{
		ledger:  l,
		timeout: ledgerTimeout,
		logger:  logger,
	}
}

// ListChallenges handles GET /v1/challenges?limit=&status=. It returns
// {"challenges": [...]} newest first, 400 for invalid filters, 503 when no
// ledger is configured, or 500 if the ledger call fails.
func (h *ChallengeHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "challenge ledger unavailable")
		return
	}
	limit, err := parseLimit(r, ledger.DefaultRecentLimit, maxChallengeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	outcomes, err := h.ledger.Recent(ctx, ledger.Filter{Limit: limit, Status: status})
	if err != nil {
		h.logger.Error("list challenges failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list challenges")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenges": toChallengeDTOs(outcomes),
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseStatus(input string) (decaptcha.OutcomeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "":
		return "", nil
	case "done", "solved", "success":
		return decaptcha.OutcomeDone, nil
	case "failed", "error", "failure":
		return decaptcha.OutcomeFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toChallengeDTOs(in []decaptcha.Outcome) []challengeDTO {
	out := make([]challengeDTO, 0, len(in))
	for _, o := range in {
		out = append(out, challengeDTO{
			ChallengeID: o.ChallengeID,
			Engine:      o.Engine,
			URL:         o.URL,
			Status:      string(o.Status),
			Error:       o.Error,
			StartedAt:   o.StartedAt,
			FinishedAt:  o.FinishedAt,
			DurationMS:  o.Duration().Milliseconds(),
			Replayed:    o.Replayed,
		})
	}
	return out
}

type challengeDTO struct {
	ChallengeID string    `json:"challenge_id"`
	Engine      string    `json:"engine"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMS  int64     `json:"duration_ms"`
	Replayed    int       `json:"replayed"`
}
