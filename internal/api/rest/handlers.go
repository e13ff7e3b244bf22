package rest

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/database"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/events"
)

// RuleEngine is the view of an engine the API needs
type RuleEngine interface {
	Rule() *correlation.Rule
	ActivePartitions() int
}

// MatchLister reads persisted matches
type MatchLister interface {
	ListByRule(ctx context.Context, rule string, filter database.ListFilter) ([]correlation.MatchRecord, error)
}

// LastMatchReader reads the cached latest match of a rule
type LastMatchReader interface {
	Latest(ctx context.Context, rule string) (correlation.MatchRecord, bool, error)
}

// DeadLetterReader inspects and discards failed deliveries
type DeadLetterReader interface {
	List(limit int) []events.FailedDelivery
	Stats() events.DeadLetterStats
	Remove(id uuid.UUID) error
}

// Handler serves the read-only correlation API. Optional dependencies may
// be nil; their endpoints then answer FEATURE_DISABLED.
type Handler struct {
	engines     map[string]RuleEngine
	names       []string
	matches     MatchLister
	lastMatch   LastMatchReader
	deadLetters DeadLetterReader
	logger      *zap.Logger
}

// Dependencies wires a Handler
type Dependencies struct {
	Engines     []RuleEngine
	Matches     MatchLister
	LastMatch   LastMatchReader
	DeadLetters DeadLetterReader
}

// NewHandler indexes the engines by rule name
func NewHandler(deps Dependencies, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		engines:     make(map[string]RuleEngine, len(deps.Engines)),
		matches:     deps.Matches,
		lastMatch:   deps.LastMatch,
		deadLetters: deps.DeadLetters,
		logger:      logger,
	}
	for _, e := range deps.Engines {
		h.engines[e.Rule().Name] = e
		h.names = append(h.names, e.Rule().Name)
	}
	slices.Sort(h.names)
	return h
}

func featureDisabled(feature string) *errors.AppError {
	return &errors.AppError{
		Type:       errors.ErrorTypeNotFound,
		Code:       "FEATURE_DISABLED",
		Message:    feature + " is not enabled",
		StatusCode: http.StatusNotFound,
	}
}

func (h *Handler) engine(r *http.Request) (RuleEngine, error) {
	name := r.PathValue("name")
	e, ok := h.engines[name]
	if !ok {
		return nil, errors.NewNotFoundError("rule").WithDetails(map[string]any{"rule": name})
	}
	return e, nil
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	out := make([]RuleResponse, 0, len(h.names))
	for _, name := range h.names {
		out = append(out, newRuleResponse(h.engines[name]))
	}
	writeJSON(w, http.StatusOK, ListResponse[RuleResponse]{Data: out, Count: len(out)})
}

func (h *Handler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	e, err := h.engine(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleResponse(e))
}

// parseListFilter reads ?partition=, ?since= (RFC 3339) and ?limit=
func parseListFilter(r *http.Request) (database.ListFilter, error) {
	q := r.URL.Query()
	filter := database.ListFilter{PartitionKey: q.Get("partition")}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.NewValidationError("INVALID_SINCE", "since must be an RFC 3339 timestamp").
				WithDetails(map[string]any{"since": v})
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > database.MaxListLimit {
			return filter, errors.NewValidationError("INVALID_LIMIT",
				"limit must be between 1 and "+strconv.Itoa(database.MaxListLimit)).
				WithDetails(map[string]any{"limit": v})
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	if h.matches == nil {
		writeError(w, r, h.logger, featureDisabled("match storage"))
		return
	}
	e, err := h.engine(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	recs, err := h.matches.ListByRule(r.Context(), e.Rule().Name, filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[correlation.MatchRecord]{Data: recs, Count: len(recs)})
}

func (h *Handler) handleLastMatch(w http.ResponseWriter, r *http.Request) {
	if h.lastMatch == nil {
		writeError(w, r, h.logger, featureDisabled("match cache"))
		return
	}
	e, err := h.engine(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rec, ok, err := h.lastMatch.Latest(r.Context(), e.Rule().Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, r, h.logger, errors.NewNotFoundError("match").WithDetails(map[string]any{"rule": e.Rule().Name}))
		return
	}
	writeJSON(w, http.StatusOK, LastMatchResponse{Rule: rec.Rule, Match: &rec})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, r, h.logger, featureDisabled("dead letter queue"))
		return
	}

	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, h.logger, errors.NewValidationError("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	failed := h.deadLetters.List(limit)
	resp := DeadLettersResponse{
		Stats: h.deadLetters.Stats(),
		Data:  make([]DeadLetterResponse, 0, len(failed)),
	}
	for _, f := range failed {
		resp.Data = append(resp.Data, newDeadLetterResponse(f))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, r, h.logger, featureDisabled("dead letter queue"))
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, errors.NewValidationError("INVALID_ID", "id must be a UUID").
			WithDetails(map[string]any{"id": r.PathValue("id")}))
		return
	}
	if err := h.deadLetters.Remove(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
