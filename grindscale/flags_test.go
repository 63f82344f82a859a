package main

import (
	"testing"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideStore(t *testing.T) {
	tests := []struct {
		name    string
		initial config.StoreConfig
		value   string
		want    config.StoreConfig
		wantErr bool
	}{
		{
			name:    "memory",
			initial: config.StoreConfig{Backend: "yaml", Path: "prefs.yaml", Namespace: "scale"},
			value:   "memory",
			want:    config.StoreConfig{Backend: "memory", Path: "prefs.yaml", Namespace: "scale"},
		},
		{
			name:    "sqlite with path",
			initial: config.StoreConfig{Backend: "yaml", Path: "prefs.yaml"},
			value:   "sqlite:/var/lib/scale.db",
			want:    config.StoreConfig{Backend: "sqlite", Path: "/var/lib/scale.db"},
		},
		{
			name:    "yaml keeps configured path",
			initial: config.StoreConfig{Backend: "memory", Path: "prefs.yaml"},
			value:   "yaml",
			want:    config.StoreConfig{Backend: "yaml", Path: "prefs.yaml"},
		},
		{
			name:    "yaml without any path",
			initial: config.StoreConfig{Backend: "memory"},
			value:   "yaml",
			wantErr: true,
		},
		{
			name:    "unknown backend",
			initial: config.StoreConfig{Backend: "memory"},
			value:   "nvs:/dev/flash",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := overrideStore(&cfg, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tt.initial, cfg, "config untouched on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}
