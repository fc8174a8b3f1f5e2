package pluginhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestCompatibleNoConstraintPasses(t *testing.T) {
	assert.True(t, manifestCompatible(&manifest{}))
}

func TestManifestCompatibleSatisfiedRange(t *testing.T) {
	assert.True(t, manifestCompatible(&manifest{CompatibleRange: "^1.0.0"}))
}

func TestManifestCompatibleUnsatisfiedRange(t *testing.T) {
	assert.False(t, manifestCompatible(&manifest{CompatibleRange: "^2.0.0"}))
}

func TestManifestCompatibleUnparsableRangeDefaultsToOK(t *testing.T) {
	assert.True(t, manifestCompatible(&manifest{CompatibleRange: "not-a-range"}))
}

func TestDiscoverSkipsUnreadableDirectories(t *testing.T) {
	regs, err := Discover([]string{"/nonexistent/path/for/pluginhost/test"})
	assert.NoError(t, err)
	assert.Empty(t, regs)
}

func TestSharedLibExtIsNonEmpty(t *testing.T) {
	assert.NotEmpty(t, sharedLibExt())
}
