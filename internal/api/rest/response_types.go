package rest

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/events"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ListResponse wraps a collection
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// PositionResponse describes one sequence position of a rule
type PositionResponse struct {
	Position int    `json:"position"`
	Kind     string `json:"kind"`
	Matcher  string `json:"matcher"`
}

// RuleResponse describes a loaded rule and its live state
type RuleResponse struct {
	Name             string             `json:"name"`
	NumEvents        int                `json:"num_events"`
	Timeframe        string             `json:"timeframe"`
	QueryKey         string             `json:"query_key,omitempty"`
	TimestampField   string             `json:"timestamp_field"`
	AttachRelated    bool               `json:"attach_related"`
	Realert          string             `json:"realert,omitempty"`
	Positions        []PositionResponse `json:"positions"`
	ActivePartitions int                `json:"active_partitions"`
}

func newRuleResponse(e RuleEngine) RuleResponse {
	rule := e.Rule()
	resp := RuleResponse{
		Name:             rule.Name,
		NumEvents:        rule.NumEvents,
		Timeframe:        rule.Timeframe.String(),
		QueryKey:         rule.QueryKey.String(),
		TimestampField:   rule.TimestampField.String(),
		AttachRelated:    rule.AttachRelated,
		Positions:        make([]PositionResponse, 0, len(rule.Positions)),
		ActivePartitions: e.ActivePartitions(),
	}
	if rule.Realert > 0 {
		resp.Realert = rule.Realert.String()
	}
	for _, p := range rule.Positions {
		resp.Positions = append(resp.Positions, PositionResponse{
			Position: p.Position,
			Kind:     string(p.Matcher.Kind()),
			Matcher:  fmt.Sprint(p.Matcher),
		})
	}
	return resp
}

// DeadLetterResponse describes one failed delivery
type DeadLetterResponse struct {
	ID           string    `json:"id"`
	Target       string    `json:"target,omitempty"`
	MatchID      string    `json:"match_id"`
	Rule         string    `json:"rule"`
	PartitionKey string    `json:"partition_key"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	FirstFail    time.Time `json:"first_fail"`
	LastFail     time.Time `json:"last_fail"`
}

// DeadLettersResponse lists failed deliveries with queue statistics
type DeadLettersResponse struct {
	Stats events.DeadLetterStats `json:"stats"`
	Data  []DeadLetterResponse   `json:"data"`
}

func newDeadLetterResponse(f events.FailedDelivery) DeadLetterResponse {
	return DeadLetterResponse{
		ID:           f.ID.String(),
		Target:       f.Target,
		MatchID:      f.Match.ID.String(),
		Rule:         f.Rule.Name,
		PartitionKey: f.Match.PartitionKey.String(),
		Reason:       f.Reason,
		Attempts:     f.Attempts,
		FirstFail:    f.FirstFail,
		LastFail:     f.LastFail,
	}
}

// LastMatchResponse is the most recent match of a rule
type LastMatchResponse struct {
	Rule  string                   `json:"rule"`
	Match *correlation.MatchRecord `json:"match"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status code. Internal failures are logged and
// their message is not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := errors.GetStatusCode(err)
	body := ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "An internal error occurred",
		RequestID: requestIDFrom(r.Context()),
	}

	var appErr *errors.AppError
	if status < http.StatusInternalServerError && stderrors.As(err, &appErr) {
		body.Code = appErr.Code
		body.Message = appErr.Message
		body.Details = appErr.Details
	} else {
		logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", body.RequestID),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}
