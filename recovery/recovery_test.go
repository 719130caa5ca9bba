package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testCore(t *testing.T, opt Options) *Core {
	t.Helper()

	log := logrus.New()
	log.SetOutput(nilWriter{})

	return New(log.WithField("test", t.Name()), opt)
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestReportUsesDefaultStrategy(t *testing.T) {
	c := testCore(t, Options{})

	d := c.Report(ExceptionContext{Kind: KindDeviceFault, Source: "device:nic0", Err: errors.New("dma error")})

	require.Equal(t, ResetDevice, d)
}

func TestReportEscalatesAfterMaxRetries(t *testing.T) {
	c := testCore(t, Options{MaxRetries: 2})

	var last Decision
	for i := 0; i < 4; i++ {
		last = c.Report(ExceptionContext{Kind: KindDeviceFault, Source: "device:nic0", Err: errors.New("x")})
	}

	require.Equal(t, IsolateDevice, last, "fourth failure on the same source should escalate past ResetDevice")
}

func TestResetRetriesClearsEscalation(t *testing.T) {
	c := testCore(t, Options{MaxRetries: 1})

	c.Report(ExceptionContext{Kind: KindDeviceFault, Source: "device:nic0"})
	c.Report(ExceptionContext{Kind: KindDeviceFault, Source: "device:nic0"})
	c.ResetRetries("device:nic0")

	d := c.Report(ExceptionContext{Kind: KindDeviceFault, Source: "device:nic0"})
	require.Equal(t, ResetDevice, d, "after ResetRetries the next failure should start from attempt 1 again")
}

func TestReportPerVectorDefaults(t *testing.T) {
	cases := []struct {
		kind Kind
		want Decision
	}{
		{KindPageFault, ResetVCPU},
		{KindMachineCheck, Shutdown},
		{KindDoubleFault, HardReset},
		{KindInvalidOpcode, ResetVCPU},
		{KindIOMMUFault, IsolateDevice},
		{KindWatchdogTimeout, PauseVM},
		{KindMigrationFault, Ignore},
	}

	for _, tc := range cases {
		c := testCore(t, Options{})

		d := c.Report(ExceptionContext{Kind: tc.kind, Source: "vcpu:0", Err: errors.New("x")})
		require.Equal(t, tc.want, d, "Kind %s", tc.kind)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	c := testCore(t, Options{RingSize: 3})

	for i := 0; i < 10; i++ {
		c.Report(ExceptionContext{Kind: KindVCPUFault, Source: "vcpu:0"})
	}

	require.Len(t, c.History(), 3)
}

func TestWatchdogFiresOnTimeout(t *testing.T) {
	fired := make(chan struct{})

	w := NewWatchdog(10*time.Millisecond, func() { close(fired) })
	defer w.Stop()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watchdog did not fire within timeout")
	}
}

func TestWatchdogKickDelaysTimeout(t *testing.T) {
	fired := make(chan struct{})

	w := NewWatchdog(50*time.Millisecond, func() { close(fired) })
	defer w.Stop()

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Kick()
	}

	select {
	case <-fired:
		t.Fatal("watchdog fired despite being kicked")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWaitWithBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitWithBackoff(ctx, time.Second, 0)
	require.ErrorIs(t, err, context.Canceled)
}
