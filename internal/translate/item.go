// Package translate exports completed analyses as STAC Items.
package translate

import (
	"fmt"
	"net/url"

	"github.com/paulmach/orb/geojson"
	"github.com/planetlabs/go-stac"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/metrics"
	"github.com/robert-malhotra/canopy-watch/internal/monitor"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

// CollectionID is the collection every exported analysis belongs to.
const CollectionID = "canopy-change"

// Property namespace for change-detection fields.
const propPrefix = "canopy:"

// AnalysisToItem converts a completed analysis into a STAC Item.
// The item spans the compared years and carries the satellite figures, the
// derived metrics and, when present, the drone figures as properties.
func AnalysisToItem(job monitor.Tracked, baseURL, stacVersion string) (*stac.Item, error) {
	if job.Snapshot.Status != analysis.StatusCompleted || job.Snapshot.Result == nil {
		return nil, fmt.Errorf("%s: %w", job.JobID, ErrNotCompleted)
	}
	if len(job.Geometry) == 0 {
		return nil, fmt.Errorf("%s: %w", job.JobID, ErrMissingGeometry)
	}

	result := job.Snapshot.Result
	sat := result.SatelliteComparison

	item := &stac.Item{
		Version:    stacVersion,
		Id:         job.JobID,
		Collection: CollectionID,
		Geometry:   geojson.NewGeometry(job.Geometry),
		Properties: make(map[string]any),
		Assets:     make(map[string]*stac.Asset),
		Links:      make([]*stac.Link, 0),
	}

	bbox, err := aoi.BBox(job.Geometry)
	if err != nil {
		return nil, fmt.Errorf("failed to compute bbox: %w", err)
	}
	item.Bbox = bbox

	// Time range between the compared years
	start, end := YearInterval(sat.PastYear, sat.PresentYear)
	item.Properties["datetime"] = nil
	item.Properties["start_datetime"] = FormatSTACTime(start)
	item.Properties["end_datetime"] = FormatSTACTime(end)
	item.Properties["created"] = FormatSTACTime(job.SubmittedAt)
	item.Properties["updated"] = FormatSTACTime(job.Snapshot.ObservedAt)

	item.Properties[propPrefix+"past_year"] = sat.PastYear
	item.Properties[propPrefix+"present_year"] = sat.PresentYear
	item.Properties[propPrefix+"past_cover_ha"] = sat.PastCoverHa
	item.Properties[propPrefix+"present_cover_ha"] = sat.PresentCoverHa
	item.Properties[propPrefix+"change_ha"] = sat.ChangeHa
	item.Properties[propPrefix+"area_ha"] = job.AreaHa

	derived := job.Metrics
	if derived == nil {
		d := metrics.Derive(result, metrics.Options{})
		derived = &d
	}
	item.Properties[propPrefix+"percentage_change"] = derived.PercentageChange
	item.Properties[propPrefix+"direction"] = derived.Direction.String()
	item.Properties[propPrefix+"annual_rate_pct"] = derived.AnnualRatePct
	if derived.DroneSatelliteDiffPct != nil {
		item.Properties[propPrefix+"drone_satellite_diff_pct"] = *derived.DroneSatelliteDiffPct
	}

	if result.DroneData.Available() {
		item.Properties[propPrefix+"drone_vegetation_ha"] = result.DroneData.VegetationAreaHa
		item.Properties[propPrefix+"drone_mean_ndvi"] = result.DroneData.MeanNDVI
	}

	if result.Summary != nil {
		item.Properties[propPrefix+"total_loss_pct"] = result.Summary.TotalLossPct
	}

	addAssets(item, result)
	addLinks(item, baseURL)

	return item, nil
}

// addAssets adds the NDVI difference tile layer when the backend produced one.
func addAssets(item *stac.Item, result *analysis.Result) {
	if result.NDVIDifference == nil || result.NDVIDifference.TileURL == "" {
		return
	}

	item.Assets["ndvi_difference"] = &stac.Asset{
		Href:  result.NDVIDifference.TileURL,
		Title: "NDVI Difference Tiles",
		Type:  "image/png",
		Roles: []string{"visual"},
	}
}

// addLinks adds self and related links to the item.
func addLinks(item *stac.Item, baseURL string) {
	id := url.PathEscape(item.Id)

	item.Links = append(item.Links, &stac.Link{
		Rel:  "self",
		Href: fmt.Sprintf("%s/analyses/%s/item", baseURL, id),
		Type: "application/geo+json",
	})

	item.Links = append(item.Links, &stac.Link{
		Rel:  "related",
		Href: fmt.Sprintf("%s/analyses/%s", baseURL, id),
		Type: "application/json",
	})
}
