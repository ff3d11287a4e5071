package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a cron spec such as "*/5 * * * *" or "@every 1m".
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("schedule required")
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

type cycleRunner interface {
	RunCycle(ctx context.Context) (Report, error)
}

// Scheduler triggers dispatch cycles on a cron schedule. A tick that fires
// while the previous cycle still runs is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner cycleRunner
	log    *zap.Logger
	ctx    context.Context
}

func NewScheduler(spec string, runner cycleRunner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateSchedule(spec); err != nil {
		return nil, err
	}

	cl := cronLogger{logger.Named("cron")}
	s := &Scheduler{
		runner: runner,
		log:    logger,
		ctx:    context.Background(),
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("register dispatch job: %w", err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.runner.RunCycle(s.ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			s.log.Info("dispatch cycle skipped", zap.Error(err))
			return
		}
		s.log.Error("dispatch cycle failed", zap.Error(err))
	}
}

// Start begins triggering cycles; ctx is passed to every cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()

	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.log.Info("scheduler started", zap.Time("next_run", entries[0].Next))
	}
}

// Stop stops triggering and waits for a running cycle, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
