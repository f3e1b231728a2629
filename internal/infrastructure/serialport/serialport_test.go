package serialport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestNoTimeoutBlocks(t *testing.T) {
	require.Equal(t, serial.NoTimeout, NoTimeout)
	require.Less(t, NoTimeout, time.Duration(0), "a non-negative timeout bounds reads")
}

func TestOpenMissingPort(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ttyACM9")

	_, err := System{}.Open(name, 115200)
	require.ErrorContains(t, err, name)
}
