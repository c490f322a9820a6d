//go:build linux

package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatm(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int64
		wantErr bool
	}{
		{name: "typical", data: "12345 2048 300 10 0 900 0\n", want: 2048 * 4096},
		{name: "two fields", data: "1 1", want: 4096},
		{name: "empty", data: "", wantErr: true},
		{name: "one field", data: "12345", wantErr: true},
		{name: "garbage", data: "12345 lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStatm([]byte(tt.data), 4096)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessSampler(t *testing.T) {
	// Given: a fake statm file
	path := filepath.Join(t.TempDir(), "statm")
	require.NoError(t, os.WriteFile(path, []byte("100 10 5 1 0 50 0\n"), 0o600))

	// When: sampled
	usage, err := ProcessSampler{Path: path}.Usage()

	// Then: resident pages times the page size
	require.NoError(t, err)
	assert.Equal(t, 10*int64(os.Getpagesize()), usage)

	_, err = ProcessSampler{Path: filepath.Join(t.TempDir(), "missing")}.Usage()
	assert.Error(t, err)

	live, err := ProcessSampler{}.Usage()
	require.NoError(t, err)
	assert.Positive(t, live)
}
