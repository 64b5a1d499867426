package aoi

import "errors"

// Reasons reported by InvalidGeometryError.
const (
	ReasonMalformedJSON    = "malformed JSON"
	ReasonMalformedWKT     = "malformed WKT"
	ReasonNotPolygon       = "not a Polygon"
	ReasonNotArray         = "coordinates are not an array"
	ReasonTooFewPoints     = "ring has fewer than 4 points"
	ReasonBadPoint         = "point is not a [lon, lat] pair"
	ReasonOutOfRange       = "coordinate out of range for [lon, lat]"
	ReasonNotFinite        = "coordinate is NaN or infinite"
	ReasonEmptyCollection  = "FeatureCollection has no features"
	ReasonMultipleFeatures = "multiple features are not supported"
	ReasonTooDeeplyNested  = "geometry nested too deeply"
)

// InvalidGeometryError is returned when an AOI cannot be interpreted as a polygon.
type InvalidGeometryError struct {
	Reason string
	Err    error
}

func (e *InvalidGeometryError) Error() string {
	if e.Err != nil {
		return "invalid geometry: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid geometry: " + e.Reason
}

func (e *InvalidGeometryError) Unwrap() error {
	return e.Err
}

// IsInvalidGeometry reports whether err is or wraps an InvalidGeometryError.
func IsInvalidGeometry(err error) bool {
	var ge *InvalidGeometryError
	return errors.As(err, &ge)
}

func invalid(reason string) error {
	return &InvalidGeometryError{Reason: reason}
}

func invalidWrap(reason string, err error) error {
	return &InvalidGeometryError{Reason: reason, Err: err}
}
