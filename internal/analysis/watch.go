package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is used when WatchOptions.Interval is zero.
const DefaultPollInterval = 3 * time.Second

// WatchOptions configures a job watch.
type WatchOptions struct {
	// Interval between the end of one poll and the start of the next.
	Interval time.Duration

	// PollTimeout bounds a single status round trip. A poll that exceeds it
	// counts as a transport error. Defaults to Interval.
	PollTimeout time.Duration
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = o.Interval
	}
	return o
}

// Update is delivered to the watch callback for every observed snapshot.
type Update struct {
	Snapshot Snapshot

	// Terminal is true for the single completed or failed update.
	Terminal bool

	// Err is a *JobFailedError when the backend reported failure.
	Err error
}

// Watch is the handle of a running job watch.
type Watch struct {
	jobID string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// JobID returns the watched job.
func (w *Watch) JobID() string {
	return w.jobID
}

// Cancel stops future polling. It is safe to call any number of times,
// including after the watch has finished. A poll already in flight is
// allowed to finish but its result is discarded.
func (w *Watch) Cancel() {
	w.once.Do(func() { close(w.stop) })
}

// Done is closed once the watch loop has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (w *Watch) cancelled() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Watch polls jobID every opts.Interval until a terminal state is observed,
// the watch is cancelled, or ctx is done. At most one poll is in flight; the
// next one is scheduled only after the previous settles. onUpdate runs on the
// watch goroutine and receives every snapshot in observation order.
// Transport errors are logged and retried, never delivered. A job the
// backend reports as missing ends the watch with a terminal failure.
func (c *Client) Watch(ctx context.Context, jobID string, opts WatchOptions, onUpdate func(Update)) *Watch {
	w := &Watch{
		jobID: jobID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.runWatch(ctx, w, opts.withDefaults(), onUpdate)
	return w
}

func (c *Client) runWatch(ctx context.Context, w *Watch, opts WatchOptions, onUpdate func(Update)) {
	defer close(w.done)

	logger := c.logger.With(slog.String("job_id", w.jobID))
	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "job watch context done", slog.String("error", ctx.Err().Error()))
			return
		case <-w.stop:
			logger.DebugContext(ctx, "job watch cancelled")
			return
		case <-timer.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, opts.PollTimeout)
		snap, err := c.Poll(pollCtx, w.jobID)
		cancel()

		if w.cancelled() || ctx.Err() != nil {
			return
		}

		var lost *JobFailedError
		if errors.As(err, &lost) {
			logger.WarnContext(ctx, "analysis job unknown to backend, stopping watch",
				slog.String("message", lost.Message),
			)
			onUpdate(Update{
				Snapshot: Snapshot{JobID: w.jobID, Status: StatusFailed, Error: lost.Message, ObservedAt: c.now()},
				Terminal: true,
				Err:      lost,
			})
			return
		}
		if err != nil {
			failures++
			logger.WarnContext(ctx, "job poll failed, retrying on next tick",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", failures),
			)
			timer.Reset(opts.Interval)
			continue
		}
		failures = 0

		switch snap.Status {
		case StatusCompleted:
			logger.InfoContext(ctx, "analysis job completed")
			onUpdate(Update{Snapshot: snap, Terminal: true})
			return
		case StatusFailed:
			failed := newJobFailedError(snap)
			logger.WarnContext(ctx, "analysis job failed", slog.String("message", failed.Message))
			onUpdate(Update{Snapshot: snap, Terminal: true, Err: failed})
			return
		default:
			onUpdate(Update{Snapshot: snap})
		}

		timer.Reset(opts.Interval)
	}
}

// Await watches jobID until it reaches a terminal state and returns the
// terminal snapshot. A failed job is returned together with its
// *JobFailedError. onProgress, if non-nil, sees every non-terminal snapshot.
func (c *Client) Await(ctx context.Context, jobID string, opts WatchOptions, onProgress func(Snapshot)) (Snapshot, error) {
	// Buffered so the watch goroutine never blocks on an abandoned Await.
	terminal := make(chan Update, 1)

	w := c.Watch(ctx, jobID, opts, func(u Update) {
		if u.Terminal {
			terminal <- u
			return
		}
		if onProgress != nil {
			onProgress(u.Snapshot)
		}
	})
	defer w.Cancel()

	select {
	case u := <-terminal:
		return u.Snapshot, u.Err
	case <-w.Done():
		// The loop may exit right after delivering the terminal update.
		select {
		case u := <-terminal:
			return u.Snapshot, u.Err
		default:
		}
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, errors.New("job watch stopped before a terminal state")
	}
}
