package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/proxy"
)

func TestListInstrumentsSorted(t *testing.T) {
	r := New(t.TempDir(), "")
	r.proxies["SCOPE1"] = proxy.New("SCOPE1", "", "")
	r.proxies["DMM1"] = proxy.New("DMM1", "", "")

	assert.Equal(t, []string{"DMM1", "SCOPE1"}, r.ListInstruments())
}

func TestHasAndGetInstrument(t *testing.T) {
	r := New(t.TempDir(), "")
	r.proxies["DMM1"] = proxy.New("DMM1", "", "")

	assert.True(t, r.HasInstrument("DMM1"))
	assert.False(t, r.HasInstrument("SCOPE1"))

	p, ok := r.GetInstrument("DMM1")
	require.True(t, ok)
	assert.Equal(t, "DMM1", p.Instrument)
}

func TestRemoveInstrumentUnknownFails(t *testing.T) {
	r := New(t.TempDir(), "")
	err := r.RemoveInstrument("DMM1")
	assert.Error(t, err)
}

func TestStopAllClearsRegistry(t *testing.T) {
	r := New(t.TempDir(), "")
	r.proxies["DMM1"] = proxy.New("DMM1", "", "")
	r.proxies["SCOPE1"] = proxy.New("SCOPE1", "", "")

	r.StopAll()
	assert.Empty(t, r.ListInstruments())
}
