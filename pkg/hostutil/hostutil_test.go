package hostutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateHost(t *testing.T) {
	for _, ok := range []string{"localhost", "jmri.local", "raspberrypi", "192.168.1.20", "::1", "[fe80::1]", "layout-1.example.org."} {
		require.NoError(t, ValidateHost(ok), ok)
	}
	for _, bad := range []string{"", "256.1.1.1", "1.2.3", "-jmri", "jmri-", "jm ri", "a..b", "[::g]", "http://jmri"} {
		require.Error(t, ValidateHost(bad), bad)
	}
}
