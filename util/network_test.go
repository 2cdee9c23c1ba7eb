package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeURL(t *testing.T) {
	tests := []struct {
		target  string
		secure  bool
		want    string
		wantErr bool
	}{
		{"localhost:50051", false, "http://localhost:50051", false},
		{"localhost:50051", true, "https://localhost:50051", false},
		{"[::1]:443", true, "https://[::1]:443", false},
		{"bench.example.com", false, "http://bench.example.com", false},
		{"", false, "", true},
		{"local host:1", false, "", true},
		{"host:1/path", false, "", true},
		{"user@host:1", false, "", true},
		{":50051", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, err := SchemeURL(tt.target, tt.secure)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestSplitTarget(t *testing.T) {
	host, port, err := SplitTarget("localhost:50051")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, "50051", port)

	_, _, err = SplitTarget("localhost")
	assert.Error(t, err)
	_, _, err = SplitTarget(":50051")
	assert.Error(t, err)
}
