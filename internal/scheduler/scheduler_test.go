package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdata/internal/model"
	"transitdata/internal/publish"
)

type fakeStatic struct {
	calls int
	err   error
}

func (f *fakeStatic) Update(context.Context) error {
	f.calls++
	return f.err
}

type fakeRealtime struct {
	calls   int
	results []error // consumed in order; nil once exhausted
	current *model.RealtimeData
	onCall  func(ctx context.Context)
}

func (f *fakeRealtime) Update(ctx context.Context) error {
	f.calls++
	if f.onCall != nil {
		f.onCall(ctx)
	}
	var err error
	if len(f.results) > 0 {
		err, f.results = f.results[0], f.results[1:]
	}
	if err == nil {
		f.current = model.NewRealtimeData(model.NewStaticData(""), int64(f.calls))
	}
	return err
}

func (f *fakeRealtime) Current() *model.RealtimeData { return f.current }

type fakePinger struct {
	calls    int
	failures int
}

func (f *fakePinger) Ping(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return publish.ErrUnavailable
	}
	return nil
}

func testOptions() Options {
	return Options{
		RealtimeFreq:       20 * time.Millisecond,
		StaticInterval:     time.Hour,
		MaxInitialAttempts: 2,
		Tick:               time.Millisecond,
		InitialRetryDelay:  time.Millisecond,
		ReconnectDelay:     time.Millisecond,
	}
}

func newTestScheduler(st *fakeStatic, rt *fakeRealtime, p *fakePinger) *Scheduler {
	return New(st, rt, p, testOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRun_Periodic(t *testing.T) {
	st, rt := &fakeStatic{}, &fakeRealtime{}
	s := newTestScheduler(st, rt, &fakePinger{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, 1, st.calls, "static refresh runs once per interval")
	assert.GreaterOrEqual(t, rt.calls, 3)
	assert.LessOrEqual(t, rt.calls, 9)
}

func TestRun_InitialAttemptsExhausted(t *testing.T) {
	fail := errors.New("no new feeds")
	rt := &fakeRealtime{results: []error{fail, fail, fail, fail}}
	s := newTestScheduler(&fakeStatic{}, rt, &fakePinger{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)

	assert.ErrorIs(t, err, ErrInitialAttemptsExhausted)
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, 3, rt.calls, "first attempt plus MaxInitialAttempts retries")
}

func TestRun_InitialFailureThenSuccess(t *testing.T) {
	fail := errors.New("no new feeds")
	rt := &fakeRealtime{results: []error{fail, fail}}
	s := newTestScheduler(&fakeStatic{}, rt, &fakePinger{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.NotNil(t, rt.current)
	assert.Equal(t, 0, s.initialFailures)
}

func TestRun_LaterFailuresKeepRunning(t *testing.T) {
	fail := errors.New("publish failed")
	rt := &fakeRealtime{results: []error{nil, fail, fail, fail, fail}}
	s := newTestScheduler(&fakeStatic{}, rt, &fakePinger{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Greater(t, rt.calls, 5)
}

func TestRun_ReconnectsOnUnavailable(t *testing.T) {
	rt := &fakeRealtime{results: []error{nil, fmt.Errorf("publish: %w", publish.ErrUnavailable)}}
	p := &fakePinger{failures: 2}
	st := &fakeStatic{}
	s := newTestScheduler(st, rt, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 3, p.calls, "pings until the store answers")
	assert.Greater(t, rt.calls, 2, "cycles resume after reconnect")
}

func TestRun_CycleOutlivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cycleErr error
	rt := &fakeRealtime{onCall: func(cycleCtx context.Context) {
		cancel()
		cycleErr = cycleCtx.Err()
	}}
	s := newTestScheduler(&fakeStatic{}, rt, &fakePinger{})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, rt.calls)
	assert.NoError(t, cycleErr, "in-flight cycle is not cancelled")
}
