package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/config"
	"github.com/mjasion/balena-home/blegateway/telemetry"
)

// Dispatcher sends commands to configured devices
type Dispatcher interface {
	DevicesInFamily(family codec.Family) []codec.DeviceProfile
	Dispatch(ctx context.Context, address string, cmd codec.Command, args codec.Args, token string) (string, error)
}

// Scheduler runs periodic commands on a cron schedule
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *zap.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// cronLogger adapts zap to the cron logger interface
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// New registers one cron entry per fetch log job
func New(jobs []config.FetchLogJob, dispatcher Dispatcher, logger *zap.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger.Named("cron").Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        context.Background(),
	}

	for i, job := range jobs {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.RunFetchLog(s.context(), job) }); err != nil {
			return nil, fmt.Errorf("fetch log job %d: %w", i, err)
		}
		logger.Info("scheduled log download",
			zap.String("spec", job.Spec),
			zap.Int("interval_seconds", job.IntervalSeconds),
		)
	}

	return s, nil
}

// Start starts the cron scheduler; ctx is passed to every dispatched command
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// RunFetchLog asks every env sensor for its log of the last job.IntervalSeconds.
// It returns the number of requests dispatched.
func (s *Scheduler) RunFetchLog(ctx context.Context, job config.FetchLogJob) int {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.RunFetchLog")
	defer span.End()
	logger := telemetry.WithTrace(ctx, s.logger)

	args := codec.Args{codec.ArgIntervalSeconds: job.IntervalSeconds}
	if job.WaitNotificationsMs > 0 {
		args[codec.ArgWaitNotificationsMs] = job.WaitNotificationsMs
	}

	dispatched := 0
	for _, device := range s.dispatcher.DevicesInFamily(codec.FamilyEnv) {
		token, err := s.dispatcher.Dispatch(ctx, device.Address, codec.CommandFetchLog, args, "")
		if err != nil {
			logger.Warn("failed to dispatch log download",
				zap.String("device", device.Name),
				zap.Error(err),
			)
			continue
		}
		dispatched++
		logger.Debug("log download requested",
			zap.String("device", device.Name),
			zap.String("correlation_data", token),
		)
	}
	span.SetAttributes(attribute.Int("dispatched", dispatched))
	return dispatched
}
