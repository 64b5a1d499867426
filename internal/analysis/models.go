// Package analysis provides a client for the remote vegetation change-detection service.
package analysis

import (
	"time"

	"github.com/paulmach/orb"
)

// Status is the lifecycle state of a backend job.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can follow this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Request is a change-detection job request.
// Geometry must already be normalized and PastYear < PresentYear must be
// checked by the caller; the client only handles transport.
type Request struct {
	Geometry     orb.Polygon
	PastYear     int
	PresentYear  int
	DroneImageID string
}

// JobHandle is returned by Submit.
type JobHandle struct {
	ID                string `json:"job_id"`
	Status            Status `json:"status"`
	IncludesDroneData bool   `json:"includes_drone_data"`
}

// Snapshot is the latest observed state of a job.
type Snapshot struct {
	JobID      string    `json:"job_id"`
	Status     Status    `json:"status"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Result is the payload of a completed job.
type Result struct {
	SatelliteComparison SatelliteComparison `json:"satellite_comparison"`
	DroneData           *DroneData          `json:"drone_data,omitempty"`
	NDVIDifference      *NDVIDifference     `json:"ndvi_difference,omitempty"`
	Summary             *Summary            `json:"summary,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.DroneData != nil {
		d := *r.DroneData
		if d.Comparison != nil {
			c := *d.Comparison
			d.Comparison = &c
		}
		out.DroneData = &d
	}
	if r.NDVIDifference != nil {
		n := *r.NDVIDifference
		out.NDVIDifference = &n
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	return &out
}

// SatelliteComparison holds past and present vegetation cover from satellite imagery.
type SatelliteComparison struct {
	PastYear                    int     `json:"past_year"`
	PresentYear                 int     `json:"present_year"`
	PastCoverHa                 float64 `json:"past_cover_ha"`
	PresentCoverHa              float64 `json:"present_cover_ha"`
	ChangeHa                    float64 `json:"change_ha"`
	DeforestationRatePctPerYear float64 `json:"deforestation_rate_pct_per_year,omitempty"`
}

// DroneData holds vegetation statistics computed from an uploaded drone image.
// When drone processing failed on the backend only Status and Error are set.
type DroneData struct {
	Status                string           `json:"status,omitempty"`
	VegetationAreaHa      float64          `json:"vegetation_area_ha"`
	TotalAreaHa           float64          `json:"total_area_ha"`
	VegetationPercentage  float64          `json:"vegetation_percentage"`
	MeanNDVI              float64          `json:"mean_ndvi"`
	OriginalResolutionM   float64          `json:"original_resolution_m,omitempty"`
	DownscaledResolutionM float64          `json:"downscaled_resolution_m,omitempty"`
	Comparison            *DroneComparison `json:"comparison_with_satellite,omitempty"`
	Error                 string           `json:"error,omitempty"`
}

// Available reports whether d carries usable drone measurements.
func (d *DroneData) Available() bool {
	return d != nil && d.Error == "" && d.Status != string(StatusFailed)
}

// DroneComparison is the backend's own drone-vs-satellite comparison.
type DroneComparison struct {
	DifferenceFromPresentSatelliteHa float64 `json:"difference_from_present_satellite_ha"`
	RecentTrendRatePctPerYear        float64 `json:"recent_trend_rate_pct_per_year"`
}

// NDVIDifference points at a rendered NDVI difference tile layer.
type NDVIDifference struct {
	TileURL string `json:"tile_url"`
}

// Summary is the backend's overall loss summary.
type Summary struct {
	TotalLossHa     float64 `json:"total_loss_ha"`
	TotalLossPct    float64 `json:"total_loss_pct"`
	TimePeriodYears int     `json:"time_period_years"`
}

// Upload describes a drone image stored by the backend.
type Upload struct {
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
}

// Health is the backend's health check response.
type Health struct {
	Status   string   `json:"status"`
	Service  string   `json:"service"`
	Features []string `json:"features,omitempty"`
}
