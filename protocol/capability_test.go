package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	host := Version{Major: 2, Minor: 5}

	tests := []struct {
		name  string
		guest Version
		ok    bool
	}{
		{"exact match", Version{2, 5}, true},
		{"older guest minor", Version{2, 0}, true},
		{"newer guest minor", Version{2, 6}, false},
		{"older guest major", Version{1, 5}, false},
		{"newer guest major", Version{3, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Negotiate(host, CapabilityFlags{Version: tt.guest})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, ErrVersionMismatch, perr.Kind)
		})
	}
}

func TestCapabilityHas(t *testing.T) {
	caps := CapWindowTracking | CapCapture | CapHighDPI
	assert.True(t, caps.Has(CapWindowTracking))
	assert.True(t, caps.Has(CapWindowTracking|CapHighDPI))
	assert.False(t, caps.Has(CapClipboardSync))
	assert.False(t, caps.Has(CapCapture|CapMultiMonitor))
}
