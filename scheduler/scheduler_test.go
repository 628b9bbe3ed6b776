package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/config"
)

type dispatched struct {
	address string
	cmd     codec.Command
	args    codec.Args
}

type fakeDispatcher struct {
	devices []codec.DeviceProfile
	failFor string
	calls   []dispatched
}

func (f *fakeDispatcher) DevicesInFamily(family codec.Family) []codec.DeviceProfile {
	var out []codec.DeviceProfile
	for _, d := range f.devices {
		if fam, _ := d.Model.Family(); fam == family {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeDispatcher) Dispatch(_ context.Context, address string, cmd codec.Command, args codec.Args, token string) (string, error) {
	f.calls = append(f.calls, dispatched{address: address, cmd: cmd, args: args})
	if address == f.failFor {
		return "", errors.New("broker unavailable")
	}
	return "token", nil
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{devices: []codec.DeviceProfile{
		{Model: codec.EnvSensor, Name: "Bedroom", Address: "E1:5A:00:00:00:02"},
		{Model: codec.EnvSensor, Name: "Garage", Address: "E1:5A:00:00:00:04"},
		{Model: codec.PlugModelA, Name: "Kitchen plug", Address: "C4:7C:8D:6A:00:01"},
	}}
}

func TestRunFetchLog(t *testing.T) {
	is := is.New(t)
	d := newFakeDispatcher()
	s, err := New(nil, d, zap.NewNop())
	is.NoErr(err)

	n := s.RunFetchLog(context.Background(), config.FetchLogJob{Spec: "@hourly", IntervalSeconds: 3600, WaitNotificationsMs: 20000})

	is.Equal(n, 2)
	is.Equal(len(d.calls), 2) // only env sensors
	for _, c := range d.calls {
		is.Equal(c.cmd, codec.CommandFetchLog)
		interval, ok := c.args.Number(codec.ArgIntervalSeconds)
		is.True(ok)
		is.Equal(interval, 3600.0)
		wait, ok := c.args.Number(codec.ArgWaitNotificationsMs)
		is.True(ok)
		is.Equal(wait, 20000.0)
	}
}

func TestRunFetchLogContinuesAfterFailure(t *testing.T) {
	is := is.New(t)
	d := newFakeDispatcher()
	d.failFor = "E1:5A:00:00:00:02"
	s, err := New(nil, d, zap.NewNop())
	is.NoErr(err)

	n := s.RunFetchLog(context.Background(), config.FetchLogJob{IntervalSeconds: 60})

	is.Equal(n, 1)
	is.Equal(len(d.calls), 2)
	_, hasWait := d.calls[0].args[codec.ArgWaitNotificationsMs]
	is.True(!hasWait)
}

func TestNewRegistersJobs(t *testing.T) {
	is := is.New(t)

	s, err := New([]config.FetchLogJob{
		{Spec: "@every 1h", IntervalSeconds: 3600},
		{Spec: "30 3 * * *", IntervalSeconds: 86400},
	}, newFakeDispatcher(), zap.NewNop())
	is.NoErr(err)
	is.Equal(len(s.cron.Entries()), 2)

	_, err = New([]config.FetchLogJob{{Spec: "sometimes"}}, newFakeDispatcher(), zap.NewNop())
	is.True(err != nil)
}

func TestStartStop(t *testing.T) {
	s, err := New([]config.FetchLogJob{{Spec: "@every 1h", IntervalSeconds: 3600}}, newFakeDispatcher(), zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if s.context() != ctx {
		t.Error("Expected scheduler to keep the start context")
	}
	s.Stop()
}
