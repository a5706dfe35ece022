package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportInterval(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"empty falls back", "", 30 * time.Second},
		{"plain duration", "15s", 15 * time.Second},
		{"duration stringified from config", (90 * time.Second).String(), 90 * time.Second},
		{"invalid falls back", "soon", 30 * time.Second},
		{"negative falls back", "-5s", 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exportInterval(tt.input))
		})
	}
}

func TestNewProviderDisabled(t *testing.T) {
	shutdown, err := NewProvider(context.Background(), Config{Enabled: false}, "dcrp", "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown(context.Background())
}
