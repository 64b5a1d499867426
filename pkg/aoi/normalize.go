package aoi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// MinRingPoints is the smallest closed linear ring: a triangle plus the
// repeated first point.
const MinRingPoints = 4

// maxDepth bounds recursion through nested "geometry" envelopes.
const maxDepth = 8

// MultiFeaturePolicy controls what happens when a FeatureCollection carries
// more than one feature.
type MultiFeaturePolicy int

const (
	// MultiFeatureFirst uses the first feature and logs a warning.
	MultiFeatureFirst MultiFeaturePolicy = iota
	// MultiFeatureReject fails with ReasonMultipleFeatures.
	MultiFeatureReject
)

// ParseMultiFeaturePolicy parses "first" or "reject".
func ParseMultiFeaturePolicy(s string) (MultiFeaturePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return MultiFeatureFirst, nil
	case "reject":
		return MultiFeatureReject, nil
	default:
		return MultiFeatureFirst, fmt.Errorf("unknown multi-feature policy %q, must be one of: first, reject", s)
	}
}

func (p MultiFeaturePolicy) String() string {
	if p == MultiFeatureReject {
		return "reject"
	}
	return "first"
}

// Normalizer converts AOI input into a canonical orb.Polygon.
// A Normalizer holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	policy MultiFeaturePolicy
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer with the given multi-feature policy.
func NewNormalizer(policy MultiFeaturePolicy) *Normalizer {
	return &Normalizer{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger for the normalizer.
func (n *Normalizer) WithLogger(logger *slog.Logger) *Normalizer {
	n.logger = logger
	return n
}

var defaultNormalizer = NewNormalizer(MultiFeatureFirst)

// Normalize converts input with the default normalizer (first feature wins).
func Normalize(input any) (orb.Polygon, error) {
	return defaultNormalizer.Normalize(input)
}

// Normalize converts input into a polygon with closed rings.
// The input is never modified; the returned polygon is a fresh copy.
func (n *Normalizer) Normalize(input any) (orb.Polygon, error) {
	candidate, err := n.extract(input, 0, true)
	if err != nil {
		return nil, err
	}
	return validate(candidate)
}

// extract walks the tagged union until it reaches a raw coordinate array.
func (n *Normalizer) extract(input any, depth int, allowText bool) (any, error) {
	if depth > maxDepth {
		return nil, invalid(ReasonTooDeeplyNested)
	}

	shape, err := Detect(input)
	if err != nil {
		return nil, err
	}

	switch shape.Kind {
	case KindRings:
		return shape.Rings, nil

	case KindWrapped:
		return n.extract(shape.Geometry, depth+1, false)

	case KindFeatureCollection:
		if len(shape.Features) > 1 {
			if n.policy == MultiFeatureReject {
				return nil, invalid(ReasonMultipleFeatures)
			}
			n.logger.Warn("AOI FeatureCollection has multiple features, using the first",
				slog.Int("feature_count", len(shape.Features)),
			)
		}
		return n.extract(shape.Features[0], depth+1, false)

	case KindPolygon:
		return shape.Coordinates, nil

	case KindText:
		if !allowText {
			return nil, invalid(ReasonNotPolygon)
		}
		return n.extractText(shape.Text, depth)
	}

	return nil, invalid(ReasonNotPolygon)
}

func (n *Normalizer) extractText(text string, depth int) (any, error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(strings.ToUpper(trimmed), "POLYGON") {
		p, err := wkt.UnmarshalPolygon(trimmed)
		if err != nil {
			return nil, invalidWrap(ReasonMalformedWKT, err)
		}
		return p, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, invalidWrap(ReasonMalformedJSON, err)
	}

	// Parsed text goes through the same dispatch, minus a second text pass.
	return n.extract(parsed, depth+1, false)
}

// validate converts the candidate into an orb.Polygon, checks ring sizes and
// coordinate ranges, and closes open rings.
func validate(candidate any) (orb.Polygon, error) {
	polygon, err := toPolygon(candidate)
	if err != nil {
		return nil, err
	}
	if len(polygon) == 0 {
		return nil, invalid(ReasonTooFewPoints)
	}

	for i, ring := range polygon {
		if len(ring) < MinRingPoints {
			return nil, &InvalidGeometryError{
				Reason: ReasonTooFewPoints,
				Err:    fmt.Errorf("ring %d has %d points", i, len(ring)),
			}
		}
		for _, pt := range ring {
			if !finite(pt[0]) || !finite(pt[1]) {
				return nil, &InvalidGeometryError{
					Reason: ReasonNotFinite,
					Err:    fmt.Errorf("point [%g, %g] in ring %d", pt[0], pt[1], i),
				}
			}
			if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
				return nil, &InvalidGeometryError{
					Reason: ReasonOutOfRange,
					Err:    fmt.Errorf("point [%g, %g] in ring %d", pt[0], pt[1], i),
				}
			}
		}
		if !ring.Closed() {
			polygon[i] = append(ring, ring[0])
		}
	}

	return polygon, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// toPolygon copies any supported coordinate representation into a new polygon.
func toPolygon(v any) (orb.Polygon, error) {
	switch c := v.(type) {
	case orb.Polygon:
		out := make(orb.Polygon, len(c))
		for i, ring := range c {
			out[i] = append(orb.Ring(nil), ring...)
		}
		return out, nil

	case [][][]float64:
		out := make(orb.Polygon, len(c))
		for i, ring := range c {
			r := make(orb.Ring, len(ring))
			for j, pt := range ring {
				if len(pt) < 2 {
					return nil, invalid(ReasonBadPoint)
				}
				r[j] = orb.Point{pt[0], pt[1]}
			}
			out[i] = r
		}
		return out, nil

	case []any:
		out := make(orb.Polygon, len(c))
		for i, rawRing := range c {
			ring, err := toRing(rawRing)
			if err != nil {
				return nil, err
			}
			out[i] = ring
		}
		return out, nil
	}

	return nil, invalid(ReasonNotArray)
}

func toRing(v any) (orb.Ring, error) {
	points, ok := v.([]any)
	if !ok {
		return nil, invalid(ReasonNotArray)
	}

	ring := make(orb.Ring, len(points))
	for i, rawPoint := range points {
		pair, ok := rawPoint.([]any)
		if !ok || len(pair) < 2 {
			return nil, invalid(ReasonBadPoint)
		}
		lon, ok1 := toFloat(pair[0])
		lat, ok2 := toFloat(pair[1])
		if !ok1 || !ok2 {
			return nil, invalid(ReasonBadPoint)
		}
		ring[i] = orb.Point{lon, lat}
	}
	return ring, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
