package aoi

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

const squareMetersPerHectare = 10_000

// BBox returns the bounding box of the polygon as [west, south, east, north].
func BBox(p orb.Polygon) ([]float64, error) {
	if len(p) == 0 || len(p[0]) == 0 {
		return nil, fmt.Errorf("failed to compute bounding box: no valid coordinates found")
	}
	b := p.Bound()
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}, nil
}

// AreaHectares returns the geodesic area of the polygon in hectares.
// Holes are subtracted.
func AreaHectares(p orb.Polygon) float64 {
	return geo.Area(p) / squareMetersPerHectare
}

// GeometryJSON encodes the polygon as a GeoJSON Polygon geometry object.
func GeometryJSON(p orb.Polygon) (json.RawMessage, error) {
	data, err := json.Marshal(geojson.NewGeometry(p))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal polygon geometry: %w", err)
	}
	return data, nil
}

// WKT returns the polygon in Well-Known Text form.
func WKT(p orb.Polygon) string {
	return wkt.MarshalString(p)
}
