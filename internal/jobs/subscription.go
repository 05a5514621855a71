package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/vps-go/internal/apierr"
)

// Subscription is one live progress watch. Its events never regress in
// lifecycle order, it ends by itself after delivering exactly one terminal
// event, and Cancel stops it at any time.
type Subscription struct {
	jobID   string
	onEvent func(ProgressEvent)
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu is held from the stopped check until onEvent returns.
	deliverMu  sync.Mutex
	stopped    atomic.Bool
	inCallback atomic.Bool

	// Owned by the run goroutine until done is closed.
	last     ProgressEvent
	emitted  bool
	terminal bool
	err      error
}

// Watch starts a subscription that follows jobID through tracker and calls
// onEvent on every observed change. onEvent runs on the subscription's own
// goroutine, one call at a time.
func Watch(ctx context.Context, jobID string, tracker Tracker, onEvent func(ProgressEvent), logger *slog.Logger) (*Subscription, error) {
	if jobID == "" {
		return nil, apierr.Newf("track", apierr.ErrValidation, "job id is required")
	}

	if onEvent == nil {
		return nil, apierr.Newf("track", apierr.ErrValidation, "event callback is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		jobID:   jobID,
		onEvent: onEvent,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run(runCtx, tracker)

	return s, nil
}

// JobID returns the watched job.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Cancel stops reads and event delivery. Once it returns no new onEvent
// call starts; a call already in progress is allowed to finish. It is safe
// to call more than once, after the subscription has ended, and from
// inside onEvent.
func (s *Subscription) Cancel() {
	s.stopped.Store(true)
	s.cancel()

	if s.inCallback.Load() {
		// A delivery is running now (possibly the caller itself). It began
		// before the stop, and nothing after it passes the stopped check.
		return
	}

	// Wait out a delivery that passed the stopped check but has not yet
	// entered onEvent.
	s.deliverMu.Lock()
	s.deliverMu.Unlock() //nolint:staticcheck // empty critical section is a barrier
}

// Done is closed when the subscription has released its resources.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. It is nil while running, after
// a terminal event, and after Cancel.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the subscription ends or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) run(ctx context.Context, tracker Tracker) {
	defer close(s.done)
	defer s.cancel()

	err := tracker.Run(ctx, s.jobID, s.observe)

	switch {
	case s.terminal:
		err = nil
	case s.stopped.Load() && (err == nil || errors.Is(err, context.Canceled)):
		// Cancel was called.
		err = nil
	case err == nil && ctx.Err() != nil:
		err = ctx.Err()
	case err == nil:
		err = errors.New("jobs: tracker stopped before a terminal status")
	}

	s.err = err
	s.stopped.Store(true)

	if err != nil {
		s.logger.Warn("progress subscription ended with error",
			slog.String("job_id", s.jobID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("progress subscription ended",
		slog.String("job_id", s.jobID),
		slog.Bool("terminal", s.terminal),
	)
}

// observe is the Tracker callback. It drops regressions and repeats and
// reports whether the tracker should keep going.
func (s *Subscription) observe(h Handle) bool {
	if s.stopped.Load() {
		return false
	}

	ev := h.Event()

	if s.emitted {
		if ev.Status.Before(s.last.Status) {
			s.logger.Debug("dropping regressed status",
				slog.String("job_id", s.jobID),
				slog.String("status", string(ev.Status)),
				slog.String("after", string(s.last.Status)),
			)

			return true
		}

		if s.last.Status.Terminal() || ev.sameAs(s.last) {
			return true
		}
	}

	if !s.deliver(ev) {
		return false
	}

	s.last, s.emitted = ev, true

	if ev.Status.Terminal() {
		s.terminal = true
		s.stopped.Store(true)

		return false
	}

	return true
}

func (s *Subscription) deliver(ev ProgressEvent) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.stopped.Load() {
		return false
	}

	s.inCallback.Store(true)
	defer s.inCallback.Store(false)

	s.onEvent(ev)

	return true
}
