package call

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/pkg/logger"
)

// ReaperDisabled turns the stale-call reaper off
const ReaperDisabled = "off"

// ReapResult counts calls closed by one reaper pass
type ReapResult struct {
	Missed int `json:"missed"`
	Ended  int `json:"ended"`
}

// ReapStaleCalls ends calls abandoned by both browsers: ringing calls past
// the ring timeout become missed and active calls past the maximum duration
// become ended. It uses the same conditional writes as EndCall, so a call a
// participant finishes concurrently is simply skipped.
func (s *Service) ReapStaleCalls(ctx context.Context) (*ReapResult, error) {
	now := s.now().UTC()
	result := &ReapResult{}

	ringing, err := s.calls.ListStale(ctx, domain.CallStatusRinging, now.Add(-s.opts.RingTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale ringing calls: %w", err)
	}
	active, err := s.calls.ListStale(ctx, domain.CallStatusActive, now.Add(-s.opts.MaxDuration))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale active calls: %w", err)
	}

	for _, call := range append(ringing, active...) {
		from := call.Status
		if err := s.finish(ctx, call, "reap"); err != nil {
			logger.Debug("Skipped stale call",
				zap.String("session_id", call.SessionID),
				zap.Error(err))
			continue
		}

		s.metrics.RecordReaped(string(call.Status))
		if from == domain.CallStatusRinging {
			result.Missed++
		} else {
			result.Ended++
		}
	}

	if result.Missed+result.Ended > 0 {
		logger.Info("Reaped stale calls",
			zap.Int("missed", result.Missed),
			zap.Int("ended", result.Ended))
	}

	return result, nil
}

// Reaper runs ReapStaleCalls on a cron schedule
type Reaper struct {
	service *Service
	cron    *cron.Cron
	timeout time.Duration
}

// NewReaper schedules the reaper. A schedule of "off" or "" returns nil.
func NewReaper(service *Service, schedule string, timeout time.Duration) (*Reaper, error) {
	if schedule == "" || schedule == ReaperDisabled {
		return nil, nil
	}

	log := cronLogger{}
	r := &Reaper{
		service: service,
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		timeout: timeout,
	}

	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	return r, nil
}

// Start begins running the schedule in the background
func (r *Reaper) Start() {
	r.cron.Start()
	logger.Info("Stale call reaper started")
}

// Stop halts the schedule and waits for a running pass to finish. A nil
// reaper, as returned for a disabled schedule, does nothing.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
	logger.Info("Stale call reaper stopped")
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.service.ReapStaleCalls(ctx); err != nil {
		logger.Error("Stale call reaper pass failed", zap.Error(err))
	}
}

// cronLogger routes cron's own logging into zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
