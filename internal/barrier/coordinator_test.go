package barrier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarrierCompletesWhenAllAck(t *testing.T) {
	c := New()
	c.RegisterBarrier(1, []string{"DMM1", "SCOPE1"})

	assert.False(t, c.HandleAck(1, "DMM1"))
	assert.True(t, c.HandleAck(1, "SCOPE1"))

	// completed barrier is removed
	assert.Nil(t, c.GetWaitingInstruments(1))
}

func TestBarrierUnknownTokenIgnored(t *testing.T) {
	c := New()
	assert.False(t, c.HandleAck(999, "DMM1"))
}

func TestBarrierUnexpectedInstrumentIgnored(t *testing.T) {
	c := New()
	c.RegisterBarrier(1, []string{"DMM1"})
	assert.False(t, c.HandleAck(1, "SCOPE1"))
	assert.ElementsMatch(t, []string{"DMM1"}, c.GetWaitingInstruments(1))
}

func TestGetWaitingInstrumentsExcludesAcked(t *testing.T) {
	c := New()
	c.RegisterBarrier(1, []string{"DMM1", "SCOPE1", "PSU1"})
	c.HandleAck(1, "DMM1")
	assert.ElementsMatch(t, []string{"SCOPE1", "PSU1"}, c.GetWaitingInstruments(1))
}

func TestClearBarrierRemovesIncompleteRecord(t *testing.T) {
	c := New()
	c.RegisterBarrier(1, []string{"DMM1"})
	c.ClearBarrier(1)
	assert.Nil(t, c.GetWaitingInstruments(1))
}

func TestUninvolvedInstrumentsNeverAppearInWaiting(t *testing.T) {
	c := New()
	c.RegisterBarrier(1, []string{"DMM1"})
	waiting := c.GetWaitingInstruments(1)
	assert.NotContains(t, waiting, "SCOPE1")
}
