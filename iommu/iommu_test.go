package iommu

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(nilWriter{})

	return log.WithField("test", true)
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDomainMapTranslateRoundTrip(t *testing.T) {
	d := NewDomain("dom0", ModeStrict)

	require.NoError(t, d.Map(0x1000, 0x9000, true))

	hpa, err := d.Translate(0x1000, false)
	require.NoError(t, err)
	require.EqualValues(t, 0x9000, hpa)
}

func TestDomainTranslateUnmappedFails(t *testing.T) {
	d := NewDomain("dom0", ModeStrict)

	_, err := d.Translate(0x2000, false)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestUnmanagedDomainIsIdentityMapped(t *testing.T) {
	d := NewDomain("dom0", ModeUnmanaged)

	hpa, err := d.Translate(0xabc000, true)
	require.NoError(t, err)
	require.EqualValues(t, 0xabc000, hpa)
}

func TestPassThroughDeviceQuarantinesAfterMaxFaults(t *testing.T) {
	d := NewDomain("dom0", ModeStrict)
	bdf := BDF{Bus: 0, Device: 3, Function: 0}
	dev := d.Attach(bdf, 3, testLog())

	for i := 0; i < 3; i++ {
		_, err := dev.DMARead(0x4000, 4)
		require.Error(t, err)
	}

	require.True(t, dev.Quarantined())
	require.Len(t, dev.Faults(), 3)
	require.False(t, d.Attached(bdf), "quarantined device must be detached from its domain")

	_, err := dev.DMARead(0x9000, 4)
	require.ErrorIs(t, err, ErrQuarantined)
}

func TestQuarantineEmitsEjectEvent(t *testing.T) {
	d := NewDomain("dom0", ModeStrict)
	bdf := BDF{Bus: 0, Device: 6, Function: 0}
	dev := d.Attach(bdf, 2, testLog())

	for i := 0; i < 2; i++ {
		_, err := dev.DMARead(0x4000, 4)
		require.Error(t, err)
	}

	require.True(t, dev.Quarantined())

	select {
	case ev := <-d.Eject():
		require.Equal(t, bdf, ev.BDF)
		require.Equal(t, "dom0", ev.DomainID)
	default:
		t.Fatal("expected an eject event on the domain's channel")
	}
}

func TestReinstateClearsQuarantine(t *testing.T) {
	d := NewDomain("dom0", ModeStrict)
	bdf := BDF{Bus: 0, Device: 4, Function: 0}
	dev := d.Attach(bdf, 1, testLog())

	_, err := dev.DMARead(0x1234, 4)
	require.Error(t, err)
	require.True(t, dev.Quarantined())
	require.False(t, d.Attached(bdf))

	dev.Reinstate()
	require.False(t, dev.Quarantined())
	require.Empty(t, dev.Faults())
	require.True(t, d.Attached(bdf), "reinstated device must be re-attached to its domain")
}

func TestInterruptRemappingTable(t *testing.T) {
	tbl := NewInterruptRemappingTable()
	bdf := BDF{Bus: 1, Device: 2, Function: 0}

	tbl.Set(bdf, 0x40, InterruptRemappingEntry{Present: true, Vector: 0x40, Destination: 2})

	e, ok := tbl.Lookup(bdf, 0x40)
	require.True(t, ok)
	require.EqualValues(t, 2, e.Destination)

	_, ok = tbl.Lookup(bdf, 0x41)
	require.False(t, ok)
}

func TestControllerCreateAndLookupDomain(t *testing.T) {
	c := NewController(testLog())

	d := c.CreateDomain("net0", ModeShared)
	require.Equal(t, ModeShared, d.Mode)

	got, ok := c.Domain("net0")
	require.True(t, ok)
	require.Same(t, d, got)

	_, ok = c.Domain("missing")
	require.False(t, ok)
}
