// Package monitor runs change-detection analyses end to end: it normalizes
// the area of interest, submits the job, watches it to completion and keeps
// the latest snapshot and derived metrics of every job in memory.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/metrics"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

var (
	// ErrInvalidYears is returned when the past year is not before the present year.
	ErrInvalidYears = errors.New("past year must be before present year")

	// ErrNotFound is returned for unknown or expired jobs.
	ErrNotFound = errors.New("analysis not found")
)

// JobClient is the subset of the analysis client the monitor drives.
type JobClient interface {
	Submit(ctx context.Context, req analysis.Request) (*analysis.JobHandle, error)
	Watch(ctx context.Context, jobID string, opts analysis.WatchOptions, onUpdate func(analysis.Update)) *analysis.Watch
}

// Options configures a Monitor. Zero values fall back to defaults.
type Options struct {
	Watch           analysis.WatchOptions
	Metrics         metrics.Options
	Normalizer      *aoi.Normalizer
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// StartRequest describes a new analysis.
type StartRequest struct {
	// AOI is any shape accepted by aoi.Normalize.
	AOI          any
	PastYear     int
	PresentYear  int
	DroneImageID string

	// OnUpdate, if set, observes every update of this job on its watch goroutine.
	OnUpdate func(Update)
}

// Update is an analysis.Update with metrics attached on completion.
type Update struct {
	analysis.Update
	Metrics *metrics.Derived
}

// Tracked is the monitor's view of one job.
type Tracked struct {
	JobID             string            `json:"job_id"`
	PastYear          int               `json:"past_year"`
	PresentYear       int               `json:"present_year"`
	DroneImageID      string            `json:"drone_image_id,omitempty"`
	IncludesDroneData bool              `json:"includes_drone_data"`
	Geometry          orb.Polygon       `json:"-"`
	AreaHa            float64           `json:"area_ha"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	Snapshot          analysis.Snapshot `json:"snapshot"`
	Metrics           *metrics.Derived  `json:"metrics,omitempty"`
	Cancelled         bool              `json:"cancelled"`
}

func (t *Tracked) clone() Tracked {
	out := *t
	out.Geometry = t.Geometry.Clone()
	out.Snapshot.Result = t.Snapshot.Result.Clone()
	if t.Metrics != nil {
		m := *t.Metrics
		if m.DroneSatelliteDiffPct != nil {
			d := *m.DroneSatelliteDiffPct
			m.DroneSatelliteDiffPct = &d
		}
		out.Metrics = &m
	}
	return out
}

// Monitor orchestrates analyses against one backend.
type Monitor struct {
	client     JobClient
	normalizer *aoi.Normalizer
	tracker    *Tracker
	opts       Options
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
}

// New creates a Monitor. Close must be called to stop its watches.
func New(client JobClient, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = aoi.NewNormalizer(aoi.MultiFeatureFirst).WithLogger(opts.Logger)
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	// Watches outlive the request that started them.
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		client:     client,
		normalizer: opts.Normalizer,
		tracker:    NewTracker(opts.TTL, opts.CleanupInterval),
		opts:       opts,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Start validates and normalizes the request, submits it and begins watching
// the resulting job. It returns once the backend has accepted the job.
func (m *Monitor) Start(ctx context.Context, req StartRequest) (Tracked, error) {
	if req.PastYear >= req.PresentYear {
		return Tracked{}, fmt.Errorf("%w: got %d and %d", ErrInvalidYears, req.PastYear, req.PresentYear)
	}

	geometry, err := m.normalizer.Normalize(req.AOI)
	if err != nil {
		return Tracked{}, err
	}

	handle, err := m.client.Submit(ctx, analysis.Request{
		Geometry:     geometry,
		PastYear:     req.PastYear,
		PresentYear:  req.PresentYear,
		DroneImageID: req.DroneImageID,
	})
	if err != nil {
		return Tracked{}, err
	}

	now := m.now()
	job := &Tracked{
		JobID:             handle.ID,
		PastYear:          req.PastYear,
		PresentYear:       req.PresentYear,
		DroneImageID:      req.DroneImageID,
		IncludesDroneData: handle.IncludesDroneData,
		Geometry:          geometry,
		AreaHa:            aoi.AreaHectares(geometry),
		SubmittedAt:       now,
		Snapshot: analysis.Snapshot{
			JobID:      handle.ID,
			Status:     handle.Status,
			ObservedAt: now,
		},
	}
	m.tracker.Put(job)
	started := job.clone()

	m.logger.InfoContext(ctx, "analysis started",
		slog.String("job_id", handle.ID),
		slog.Int("past_year", req.PastYear),
		slog.Int("present_year", req.PresentYear),
		slog.Float64("area_ha", started.AreaHa),
		slog.Bool("drone", req.DroneImageID != ""),
	)

	w := m.client.Watch(m.ctx, handle.ID, m.opts.Watch, func(u analysis.Update) {
		m.record(u, req.OnUpdate)
	})
	m.tracker.attach(handle.ID, w)

	return started, nil
}

func (m *Monitor) record(u analysis.Update, onUpdate func(Update)) {
	out := Update{Update: u}
	if u.Snapshot.Status == analysis.StatusCompleted {
		d := metrics.Derive(u.Snapshot.Result, m.opts.Metrics)
		out.Metrics = &d
	}

	m.tracker.Update(u.Snapshot.JobID, func(job *Tracked) {
		job.Snapshot = u.Snapshot
		job.Snapshot.Result = u.Snapshot.Result.Clone()
		if out.Metrics != nil {
			d := *out.Metrics
			job.Metrics = &d
		}
	})

	if onUpdate != nil {
		onUpdate(out)
	}
}

// Get returns the latest state of a job.
func (m *Monitor) Get(jobID string) (Tracked, error) {
	return m.tracker.Get(jobID)
}

// List returns all tracked jobs, most recent first.
func (m *Monitor) List() []Tracked {
	return m.tracker.List()
}

// Cancel stops watching a job. The backend job itself keeps running.
func (m *Monitor) Cancel(jobID string) error {
	if err := m.tracker.Cancel(jobID); err != nil {
		return err
	}
	m.logger.Info("analysis watch cancelled", slog.String("job_id", jobID))
	return nil
}

// Stats reports how many jobs are tracked and how many are still being watched.
func (m *Monitor) Stats() (count, watching int) {
	return m.tracker.Stats()
}

// Close cancels all watches and stops the tracker.
func (m *Monitor) Close() {
	m.cancel()
	m.tracker.Stop()
}
