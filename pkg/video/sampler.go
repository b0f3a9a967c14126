package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

const DefaultCheckInterval = 30 * time.Second

var ErrEmptyFrame = errors.New("video: empty frame")

// InstructionChecker inspects a frame while video context is enabled.
type InstructionChecker interface {
	CheckInstructions(ctx context.Context, frame frames.VideoFrame) error
}

// Spawner runs checks off the frame loop. tasks.Group satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context)) bool
}

type Config struct {
	SessionID string
	Interval  time.Duration
	Logger    *slog.Logger
	Observer  metrics.Observer
}

// Sampler drains one remote video track into a FrameBuffer and, while
// context is enabled, hands a frame to the checker at most once per interval.
type Sampler struct {
	buf      *FrameBuffer
	checker  InstructionChecker
	spawner  Spawner
	interval time.Duration
	enabled  atomic.Bool
	frames   atomic.Int64
	log      *slog.Logger
	obs      metrics.Observer
	session  string

	// owned by Run
	last time.Time
}

// NewSampler builds a sampler. checker and spawner may be nil; without a
// spawner checks run inline on the frame loop.
func NewSampler(cfg Config, checker InstructionChecker, spawner Spawner) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	return &Sampler{
		buf:      NewFrameBuffer(),
		checker:  checker,
		spawner:  spawner,
		interval: cfg.Interval,
		log:      logging.NewComponentLogger(cfg.Logger, "video").With(slog.String("session", cfg.SessionID)),
		obs:      cfg.Observer,
		session:  cfg.SessionID,
	}
}

func (s *Sampler) Buffer() *FrameBuffer { return s.buf }

func (s *Sampler) GetLatestFrame() (frames.VideoFrame, bool) { return s.buf.GetLatest() }

func (s *Sampler) GetSpecialFrame() (frames.VideoFrame, bool) { return s.buf.GetSpecial() }

func (s *Sampler) SetContextEnabled(v bool) { s.enabled.Store(v) }

func (s *Sampler) ContextEnabled() bool { return s.enabled.Load() }

// FrameCount is the number of frames stored so far.
func (s *Sampler) FrameCount() int64 { return s.frames.Load() }

// Run consumes src until it is closed or ctx is done. A frame that fails to
// process is logged and skipped.
func (s *Sampler) Run(ctx context.Context, src <-chan frames.VideoFrame) {
	s.log.Debug("video_sampler_started")
	defer s.log.Debug("video_sampler_stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-src:
			if !ok {
				return
			}
			if err := s.process(ctx, f); err != nil {
				s.log.Warn("video_frame_error", slog.Any("error", err))
			}
		}
	}
}

func (s *Sampler) process(ctx context.Context, f frames.VideoFrame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorsx.Wrap(fmt.Errorf("video: frame panic: %v", r), errorsx.ReasonVideoDecode)
		}
	}()
	if len(f.RawPayload()) == 0 || f.Width() <= 0 || f.Height() <= 0 {
		return errorsx.Wrap(ErrEmptyFrame, errorsx.ReasonVideoDecode)
	}
	s.buf.Update(f)
	s.frames.Add(1)
	s.maybeCheck(ctx, f)
	return nil
}

// maybeCheck applies the throttle. The clock is the frame timestamp; the
// first frame seen starts the interval.
func (s *Sampler) maybeCheck(ctx context.Context, f frames.VideoFrame) {
	now := f.Timestamp()
	if s.last.IsZero() {
		s.last = now
		return
	}
	if s.checker == nil || !s.enabled.Load() {
		return
	}
	if now.Sub(s.last) <= s.interval {
		return
	}
	s.last = now
	s.buf.MarkSpecial(f)
	metrics.Record(s.obs, metrics.EventInstructionCheck, map[string]string{"session": s.session, "component": "video"}, nil)

	run := func(ctx context.Context) {
		if err := s.checker.CheckInstructions(ctx, f); err != nil {
			s.log.Warn("instruction_check_failed", slog.Any("error", err))
		}
	}
	if s.spawner == nil {
		run(ctx)
		return
	}
	s.spawner.Go("instruction_check", run)
}
