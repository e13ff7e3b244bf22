package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	domainerrors "github.com/davidleathers/sequence-correlator/internal/domain/errors"
)

const (
	RuleTypeCorrelation = "correlation"

	EventTypeMatch       = "match"
	EventTypeAggregation = "aggregation"
)

// RuleFile is the on-disk form of a correlation rule
type RuleFile struct {
	Name                 string            `koanf:"name" validate:"required"`
	Type                 string            `koanf:"type" validate:"omitempty,eq=correlation"`
	NumEvents            int               `koanf:"num_events" validate:"required,min=1"`
	Timeframe            Period            `koanf:"timeframe"`
	TimeframeDuration    time.Duration     `koanf:"timeframe_duration" validate:"gte=0"`
	CorrelatedEvents     []CorrelatedEvent `koanf:"correlated_events" validate:"required,min=1,dive"`
	QueryKey             string            `koanf:"query_key"`
	TimestampField       string            `koanf:"timestamp_field"`
	AttachRelated        *bool             `koanf:"attach_related"`
	UseLocalTime         *bool             `koanf:"use_local_time"`
	CustomPrettyTSFormat string            `koanf:"custom_pretty_ts_format"`
	Realert              Period            `koanf:"realert"`

	// Path is the file the rule was read from
	Path string `koanf:"-"`
}

// CorrelatedEvent configures one sequence position
type CorrelatedEvent struct {
	Position         int    `koanf:"position" validate:"required,min=1"`
	Type             string `koanf:"type" validate:"omitempty,oneof=match aggregation"`
	Key              string `koanf:"key"`
	Value            any    `koanf:"value"`
	Query            string `koanf:"query"`
	AggregationType  string `koanf:"aggregation_type" validate:"omitempty,oneof=cardinality count"`
	AggregationField string `koanf:"aggregation_field"`
	AggregationCount int    `koanf:"aggregation_count" validate:"gte=0"`
}

// IsAggregation reports whether the position uses an aggregation matcher
func (c CorrelatedEvent) IsAggregation() bool {
	return c.Type == EventTypeAggregation
}

// Period is an elastalert-style unit map such as {minutes: 5}
type Period struct {
	Weeks        float64 `koanf:"weeks" validate:"gte=0"`
	Days         float64 `koanf:"days" validate:"gte=0"`
	Hours        float64 `koanf:"hours" validate:"gte=0"`
	Minutes      float64 `koanf:"minutes" validate:"gte=0"`
	Seconds      float64 `koanf:"seconds" validate:"gte=0"`
	Milliseconds float64 `koanf:"milliseconds" validate:"gte=0"`
}

// Duration converts the unit map into a duration
func (p Period) Duration() time.Duration {
	total := p.Weeks*float64(7*24*time.Hour) +
		p.Days*float64(24*time.Hour) +
		p.Hours*float64(time.Hour) +
		p.Minutes*float64(time.Minute) +
		p.Seconds*float64(time.Second) +
		p.Milliseconds*float64(time.Millisecond)
	return time.Duration(total)
}

// TimeframeValue resolves the rule timeframe, preferring the unit map
func (r *RuleFile) TimeframeValue() time.Duration {
	if d := r.Timeframe.Duration(); d > 0 {
		return d
	}
	return r.TimeframeDuration
}

// LoadRule reads one YAML rule file
func LoadRule(path string) (*RuleFile, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading rule %s: %w", path, err)
	}

	var rf RuleFile
	if err := k.Unmarshal("", &rf); err != nil {
		return nil, fmt.Errorf("decoding rule %s: %w", path, err)
	}
	rf.Path = path
	return &rf, nil
}

// LoadRules reads every *.yaml and *.yml file in dir, in name order.
// Files that fail to load are reported together.
func LoadRules(dir string) ([]*RuleFile, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("listing rules in %s: %w", dir, err)
		}
		paths = append(paths, matches...)
	}
	slices.Sort(paths)

	var (
		rules []*RuleFile
		errs  []error
	)
	for _, p := range paths {
		rf, err := LoadRule(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, rf)
	}
	return rules, errors.Join(errs...)
}

// ValidateRule checks a rule file for structural problems: required options,
// ranges and per-position requirements that depend on the matcher type.
func ValidateRule(rf *RuleFile) error {
	var list []string
	if err := validate.Struct(rf); err != nil {
		list = append(list, problems(err)...)
	}

	if rf.TimeframeValue() <= 0 {
		list = append(list, "timeframe is required")
	}
	if rf.CustomPrettyTSFormat != "" {
		if _, err := correlation.ParseTimestampFormat(rf.CustomPrettyTSFormat); err != nil {
			list = append(list, err.Error())
		}
	}
	seen := make(map[int]bool)
	for i, ce := range rf.CorrelatedEvents {
		prefix := fmt.Sprintf("correlated_events[%d]", i)
		if ce.Position > 0 && seen[ce.Position] {
			list = append(list, fmt.Sprintf("%s: position %d is configured more than once", prefix, ce.Position))
		}
		seen[ce.Position] = true

		if ce.IsAggregation() {
			if strings.TrimSpace(ce.Query) == "" {
				list = append(list, prefix+": aggregation requires query")
			}
			if aggregationType(ce) == correlation.AggregationCardinality && ce.AggregationField == "" {
				list = append(list, prefix+": cardinality aggregation requires aggregation_field")
			}
			continue
		}
		if ce.Key == "" {
			list = append(list, prefix+": key is required")
		}
		if ce.Value == nil {
			list = append(list, prefix+": value is required")
		}
	}

	if len(list) == 0 {
		return nil
	}
	name := rf.Name
	if name == "" {
		name = rf.Path
	}
	return domainerrors.NewRuleError(name, list)
}

func aggregationType(ce CorrelatedEvent) correlation.AggregationType {
	if ce.AggregationType == "" {
		return correlation.AggregationCardinality
	}
	return correlation.AggregationType(ce.AggregationType)
}

// BuildRule validates a rule file and converts it into a correlation rule.
// Unrecognized aggregation queries are logged and kept as never-matching.
func BuildRule(rf *RuleFile, logger *zap.Logger) (*correlation.Rule, error) {
	if err := ValidateRule(rf); err != nil {
		return nil, err
	}

	positions := make([]correlation.PositionSpec, 0, len(rf.CorrelatedEvents))
	for _, ce := range rf.CorrelatedEvents {
		m, err := buildMatcher(rf.Name, ce, logger)
		if err != nil {
			return nil, fmt.Errorf("rule %s position %d: %w", rf.Name, ce.Position, err)
		}
		positions = append(positions, correlation.PositionSpec{Position: ce.Position, Matcher: m})
	}

	attach := true
	if rf.AttachRelated != nil {
		attach = *rf.AttachRelated
	}
	localTime := true
	if rf.UseLocalTime != nil {
		localTime = *rf.UseLocalTime
	}

	return correlation.NewRule(rf.Name, rf.NumEvents, rf.TimeframeValue(), positions,
		correlation.WithQueryKey(rf.QueryKey),
		correlation.WithTimestampField(rf.TimestampField),
		correlation.WithAttachRelated(attach),
		correlation.WithRealert(rf.Realert.Duration()),
		correlation.WithDisplay(correlation.SummaryOptions{
			UseLocalTime: localTime,
			Format:       rf.CustomPrettyTSFormat,
		}),
	)
}

func buildMatcher(rule string, ce CorrelatedEvent, logger *zap.Logger) (correlation.Matcher, error) {
	if !ce.IsAggregation() {
		m, err := correlation.NewExactMatch(ce.Key, ce.Value)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	q, err := correlation.CompileQuery(ce.Query)
	if err != nil {
		if !errors.Is(err, correlation.ErrUnrecognizedQuery) {
			return nil, err
		}
		logger.Warn("Unrecognized query format, position will never match",
			zap.String("rule", rule),
			zap.Int("position", ce.Position),
			zap.String("query", ce.Query),
		)
	}

	threshold := ce.AggregationCount
	if threshold == 0 {
		threshold = 1
	}
	m, err := correlation.NewAggregationMatch(q, aggregationType(ce), ce.AggregationField, threshold)
	if err != nil {
		return nil, err
	}
	return m, nil
}
