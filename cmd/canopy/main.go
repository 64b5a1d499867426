// canopy runs one vegetation change analysis end to end and prints the
// derived metrics.
//
//	canopy -aoi field.geojson -past 2016 -present 2024 [-drone field.tif]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/metrics"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

type options struct {
	backend     string
	aoiPath     string
	pastYear    int
	presentYear int
	dronePath   string
	droneID     string
	interval    time.Duration
	timeout     time.Duration
	scaleCap    float64
	rejectMulti bool
	demo        bool
	jsonOut     bool
	verbose     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.backend, "backend", envOr("BACKEND_BASE_URL", analysis.DefaultBaseURL), "analysis backend base URL")
	flag.StringVar(&opts.aoiPath, "aoi", "", "area of interest file (GeoJSON, coordinate rings or WKT); - reads stdin")
	flag.IntVar(&opts.pastYear, "past", 2016, "baseline year")
	flag.IntVar(&opts.presentYear, "present", time.Now().Year(), "comparison year")
	flag.StringVar(&opts.dronePath, "drone", "", "drone GeoTIFF to upload and include")
	flag.StringVar(&opts.droneID, "drone-id", "", "previously uploaded drone image ID")
	flag.DurationVar(&opts.interval, "interval", analysis.DefaultPollInterval, "poll interval")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "give up after this long")
	flag.Float64Var(&opts.scaleCap, "cap", metrics.DefaultVisualScaleCap, "visual scale cap in percent")
	flag.BoolVar(&opts.rejectMulti, "reject-multi", false, "reject FeatureCollections with more than one feature")
	flag.BoolVar(&opts.demo, "demo", false, "run the backend demo analysis instead")
	flag.BoolVar(&opts.jsonOut, "json", false, "print the result and metrics as JSON")
	flag.BoolVar(&opts.verbose, "v", false, "verbose logging")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client := analysis.NewClient(opts.backend, time.Minute).WithLogger(logger)
	derive := metrics.Options{VisualScaleCap: opts.scaleCap}

	if opts.demo {
		result, err := client.Demo(ctx)
		if err != nil {
			return err
		}
		return report(os.Stdout, "demo", result, metrics.Derive(result, derive), opts.jsonOut)
	}

	if opts.aoiPath == "" {
		return errors.New("-aoi is required")
	}
	if opts.pastYear >= opts.presentYear {
		return fmt.Errorf("-past (%d) must be before -present (%d)", opts.pastYear, opts.presentYear)
	}

	raw, err := readAOI(opts.aoiPath)
	if err != nil {
		return err
	}

	policy := aoi.MultiFeatureFirst
	if opts.rejectMulti {
		policy = aoi.MultiFeatureReject
	}
	polygon, err := aoi.NewNormalizer(policy).WithLogger(logger).Normalize(raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "area of interest: %.1f ha\n", aoi.AreaHectares(polygon))

	droneID := opts.droneID
	if opts.dronePath != "" {
		droneID, err = uploadDrone(ctx, client, opts.dronePath)
		if err != nil {
			return err
		}
	}

	handle, err := client.Submit(ctx, analysis.Request{
		Geometry:     polygon,
		PastYear:     opts.pastYear,
		PresentYear:  opts.presentYear,
		DroneImageID: droneID,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "submitted job %s\n", handle.ID)

	snap, err := client.Await(ctx, handle.ID, analysis.WatchOptions{Interval: opts.interval}, func(s analysis.Snapshot) {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", s.ObservedAt.Format(time.Kitchen), s.Status)
	})
	if err != nil {
		return err
	}

	return report(os.Stdout, handle.ID, snap.Result, metrics.Derive(snap.Result, derive), opts.jsonOut)
}

// readAOI returns the AOI file contents as text for the normalizer.
func readAOI(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read area of interest: %w", err)
	}
	return string(data), nil
}

func uploadDrone(ctx context.Context, client *analysis.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open drone image: %w", err)
	}
	defer f.Close()

	upload, err := client.UploadDroneImage(ctx, filepath.Base(path), f)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "uploaded %s (%.2f MB) as %s\n", upload.Filename, upload.SizeMB, upload.FileID)
	return upload.FileID, nil
}

func report(w io.Writer, jobID string, result *analysis.Result, d metrics.Derived, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"job_id":  jobID,
			"result":  result,
			"metrics": d,
		})
	}

	sat := result.SatelliteComparison
	fmt.Fprintf(w, "=== Vegetation change %d to %d ===\n", sat.PastYear, sat.PresentYear)
	fmt.Fprintf(w, "Past cover:     %10.2f ha\n", sat.PastCoverHa)
	fmt.Fprintf(w, "Present cover:  %10.2f ha\n", sat.PresentCoverHa)
	fmt.Fprintf(w, "Change:         %10.2f ha (%s)\n", sat.ChangeHa, d.Direction)
	fmt.Fprintf(w, "Change:         %10.3f %%\n", d.PercentageChange)
	fmt.Fprintf(w, "Annual rate:    %10.3f %%/yr\n", d.AnnualRatePct)
	fmt.Fprintf(w, "Scale:          %s\n", bar(d.VisualScaleFraction, 20))

	if result.DroneData != nil {
		if !result.DroneData.Available() {
			fmt.Fprintf(w, "Drone:          unavailable (%s)\n", result.DroneData.Error)
		} else {
			fmt.Fprintf(w, "Drone cover:    %10.2f ha (mean NDVI %.2f)\n", result.DroneData.VegetationAreaHa, result.DroneData.MeanNDVI)
		}
	}
	if d.DroneSatelliteDiffPct != nil {
		fmt.Fprintf(w, "Drone vs sat:   %10.2f %%\n", *d.DroneSatelliteDiffPct)
	}
	if result.NDVIDifference != nil && result.NDVIDifference.TileURL != "" {
		fmt.Fprintf(w, "NDVI tiles:     %s\n", result.NDVIDifference.TileURL)
	}
	return nil
}

// bar renders a fraction in [0,1] as a fixed-width text gauge.
func bar(fraction float64, width int) string {
	filled := int(fraction*float64(width) + 0.5)
	out := make([]byte, width+2)
	out[0], out[width+1] = '[', ']'
	for i := 0; i < width; i++ {
		if i < filled {
			out[i+1] = '#'
		} else {
			out[i+1] = '.'
		}
	}
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
