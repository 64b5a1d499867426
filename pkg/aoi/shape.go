// Package aoi normalizes area-of-interest input into a canonical polygon.
//
// Users hand us AOIs in many shapes: a ring array copied out of a map widget,
// a GeoJSON Feature, a FeatureCollection exported from a GIS tool, a bare
// Polygon geometry, or any of those pasted as text. Detect classifies the
// input into exactly one Kind and Normalize turns it into an orb.Polygon whose
// rings are closed and whose points are [lon, lat].
package aoi

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Kind identifies which accepted input variant a value was detected as.
// Kinds are listed in dispatch precedence order.
type Kind int

const (
	// KindRings is a bare ring-of-rings coordinate array.
	KindRings Kind = iota + 1
	// KindWrapped is an object carrying a "geometry" field (Feature-like envelope).
	KindWrapped
	// KindFeatureCollection is a GeoJSON FeatureCollection with at least one feature.
	KindFeatureCollection
	// KindPolygon is a GeoJSON Polygon geometry object.
	KindPolygon
	// KindText is JSON or WKT text that still needs parsing.
	KindText
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRings:
		return "rings"
	case KindWrapped:
		return "wrapped"
	case KindFeatureCollection:
		return "feature_collection"
	case KindPolygon:
		return "polygon"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Shape is the tagged union produced by Detect. Only the field matching Kind
// is populated.
type Shape struct {
	Kind Kind

	// Rings holds the raw ring array for KindRings.
	Rings any

	// Geometry holds the extracted "geometry" value for KindWrapped.
	Geometry any

	// Features holds the features of a KindFeatureCollection, never empty.
	Features []any

	// Coordinates holds the raw coordinates of a KindPolygon.
	Coordinates any

	// Text holds the unparsed text for KindText.
	Text string
}

// Detect classifies input into one of the accepted variants.
// It does not validate coordinates; that is Normalize's job.
func Detect(input any) (Shape, error) {
	switch v := input.(type) {
	case nil:
		return Shape{}, invalid(ReasonNotPolygon)

	// Typed inputs from Go callers.
	case orb.Polygon, [][][]float64:
		return Shape{Kind: KindRings, Rings: v}, nil
	case *geojson.Feature:
		if v == nil {
			return Shape{}, invalid(ReasonNotPolygon)
		}
		return Shape{Kind: KindWrapped, Geometry: v.Geometry}, nil
	case *geojson.FeatureCollection:
		if v == nil || len(v.Features) == 0 {
			return Shape{}, invalid(ReasonEmptyCollection)
		}
		features := make([]any, len(v.Features))
		for i, f := range v.Features {
			features[i] = f
		}
		return Shape{Kind: KindFeatureCollection, Features: features}, nil
	case *geojson.Geometry:
		if v == nil {
			return Shape{}, invalid(ReasonNotPolygon)
		}
		return Shape{Kind: KindWrapped, Geometry: v.Geometry()}, nil
	case orb.Geometry:
		// Any other orb geometry (MultiPolygon, Ring, Point...) is not a Polygon.
		return Shape{}, invalid(ReasonNotPolygon)

	// Text inputs.
	case string:
		return Shape{Kind: KindText, Text: v}, nil
	case []byte:
		return Shape{Kind: KindText, Text: string(v)}, nil
	case json.RawMessage:
		return Shape{Kind: KindText, Text: string(v)}, nil

	// Decoded JSON values.
	case []any:
		return Shape{Kind: KindRings, Rings: v}, nil
	case map[string]any:
		return detectObject(v)
	}

	return Shape{}, invalid(ReasonNotPolygon)
}

func detectObject(obj map[string]any) (Shape, error) {
	if g, ok := obj["geometry"]; ok {
		return Shape{Kind: KindWrapped, Geometry: g}, nil
	}

	typ, _ := obj["type"].(string)

	// GeoJSON type names are case-sensitive.
	if typ == "FeatureCollection" {
		features, ok := obj["features"].([]any)
		if !ok || len(features) == 0 {
			return Shape{}, invalid(ReasonEmptyCollection)
		}
		return Shape{Kind: KindFeatureCollection, Features: features}, nil
	}

	if typ == "Polygon" {
		coords, ok := obj["coordinates"]
		if !ok {
			return Shape{}, invalid(ReasonNotPolygon)
		}
		return Shape{Kind: KindPolygon, Coordinates: coords}, nil
	}

	return Shape{}, invalid(ReasonNotPolygon)
}
