package stress

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Threshold sources, highest priority first.
const (
	SourceParameter     = "parameter"
	SourceUserIndicator = "user_indicator"
	SourceActivityFile  = "activity_file"
	SourceZoneTable     = "zone_table"
	SourceObserved      = "observed"
	SourceDefault       = "default"
)

var sourceRank = map[string]int{
	SourceParameter:     0,
	SourceUserIndicator: 1,
	SourceActivityFile:  2,
	SourceZoneTable:     3,
	SourceObserved:      4,
	SourceDefault:       5,
}

// Documented fallbacks when nothing else is known.
const (
	DefaultThresholdPower = 250.0
	DefaultThresholdHR    = 170.0
	DefaultThresholdPace  = 4.0
	DefaultMaxHR          = 185.0
)

// Threshold is one resolved value and where it came from.
type Threshold struct {
	Value  float64 `json:"value"`
	Source string  `json:"source"`
}

// ThresholdSet holds the thresholds used by one calculation.
type ThresholdSet struct {
	Power     Threshold `json:"threshold_power"`
	HeartRate Threshold `json:"threshold_hr"`
	MaxHR     Threshold `json:"max_hr"`
	Pace      Threshold `json:"threshold_pace"`
}

// Overrides are caller-supplied thresholds. Zero means unset.
type Overrides struct {
	ThresholdPower float64
	ThresholdHR    float64
	MaxHR          float64
	ThresholdPace  float64
}

// Indicators are the thresholds stored for a user. Zero means unset.
type Indicators struct {
	UserID         string    `json:"user_id"`
	ThresholdPower float64   `json:"threshold_power"`
	ThresholdHR    float64   `json:"threshold_hr"`
	MaxHR          float64   `json:"max_hr"`
	ThresholdPace  float64   `json:"threshold_pace"`
	Weight         float64   `json:"weight"`
	Age            int       `json:"age"`
	Gender         string    `json:"gender"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IndicatorSource looks up stored indicators. Implementations return
// ErrNoIndicators when the user has none.
type IndicatorSource interface {
	UserIndicators(ctx context.Context, userID string) (Indicators, error)
}

// ZoneRange is one zone's [low, high] bounds.
type ZoneRange [2]float64

// Zones are the user's zone tables keyed by zone name, e.g. "zone_4".
type Zones struct {
	Power     map[string]ZoneRange
	HeartRate map[string]ZoneRange
	Pace      map[string]ZoneRange
}

// ResolveInput carries everything a resolution may draw on.
type ResolveInput struct {
	UserID             string
	Overrides          Overrides
	FileThresholdPower float64
	Zones              Zones
	HeartRate          []float64
}

// Resolver picks thresholds by source priority.
type Resolver struct {
	indicators IndicatorSource
	logger     *slog.Logger
}

// NewResolver returns a resolver. src may be nil.
func NewResolver(src IndicatorSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{indicators: src, logger: logger}
}

// Resolve returns the highest-priority candidate for every threshold. Lookup
// failures on stored indicators fall through to the next source.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) ThresholdSet {
	var power, lthr, maxHR, pace []Threshold
	add := func(dst *[]Threshold, v float64, source string) {
		if v != 0 {
			*dst = append(*dst, Threshold{Value: v, Source: source})
		}
	}

	o := in.Overrides
	add(&power, o.ThresholdPower, SourceParameter)
	add(&lthr, o.ThresholdHR, SourceParameter)
	add(&maxHR, o.MaxHR, SourceParameter)
	add(&pace, o.ThresholdPace, SourceParameter)

	if ind, ok := r.lookup(ctx, in.UserID); ok {
		add(&power, ind.ThresholdPower, SourceUserIndicator)
		add(&lthr, ind.ThresholdHR, SourceUserIndicator)
		add(&maxHR, ind.MaxHR, SourceUserIndicator)
		add(&pace, ind.ThresholdPace, SourceUserIndicator)
	}

	add(&power, in.FileThresholdPower, SourceActivityFile)

	add(&power, zoneThreshold(in.Zones.Power, false), SourceZoneTable)
	add(&lthr, zoneThreshold(in.Zones.HeartRate, false), SourceZoneTable)
	add(&pace, zoneThreshold(in.Zones.Pace, true), SourceZoneTable)

	if hr := filter(in.HeartRate, func(v float64) bool { return v > 0 }); len(hr) > 0 {
		add(&maxHR, math.Trunc(percentile(hr, 95)), SourceObserved)
	}

	add(&power, DefaultThresholdPower, SourceDefault)
	add(&lthr, DefaultThresholdHR, SourceDefault)
	add(&maxHR, DefaultMaxHR, SourceDefault)
	add(&pace, DefaultThresholdPace, SourceDefault)

	return ThresholdSet{
		Power:     pick(power),
		HeartRate: pick(lthr),
		MaxHR:     pick(maxHR),
		Pace:      pick(pace),
	}
}

func (r *Resolver) lookup(ctx context.Context, userID string) (Indicators, bool) {
	if r == nil || r.indicators == nil || userID == "" {
		return Indicators{}, false
	}
	ind, err := r.indicators.UserIndicators(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNoIndicators) {
			r.logger.Warn("user indicator lookup failed, falling back", "user_id", userID, "error", err)
		}
		return Indicators{}, false
	}
	return ind, true
}

// pick de-duplicates candidates by value, keeping the best source, and
// returns the highest-priority one.
func pick(cands []Threshold) Threshold {
	best := make(map[float64]Threshold, len(cands))
	for _, c := range cands {
		if cur, ok := best[c.Value]; !ok || sourceRank[c.Source] < sourceRank[cur.Source] {
			best[c.Value] = c
		}
	}
	uniq := make([]Threshold, 0, len(best))
	for _, c := range best {
		uniq = append(uniq, c)
	}
	sort.Slice(uniq, func(i, j int) bool {
		ri, rj := sourceRank[uniq[i].Source], sourceRank[uniq[j].Source]
		if ri != rj {
			return ri < rj
		}
		return uniq[i].Value < uniq[j].Value
	})
	if len(uniq) == 0 {
		return Threshold{}
	}
	return uniq[0]
}

// zoneThreshold reads a threshold off a zone table: the zone_4/threshold
// bound, else the zone_3 upper bound. Pace tables use the upper (slower)
// bound of the threshold zone. Names are tried in sorted order, so the
// first match by name wins when several qualify.
func zoneThreshold(zones map[string]ZoneRange, pace bool) float64 {
	names := make([]string, 0, len(zones))
	for name := range zones {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "zone_4") || strings.Contains(lower, "threshold") {
			if pace {
				return zones[name][1]
			}
			return zones[name][0]
		}
	}
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), "zone_3") {
			return zones[name][1]
		}
	}
	return 0
}
