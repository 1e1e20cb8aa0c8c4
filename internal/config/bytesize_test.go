package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ByteSize
		wantErr  bool
	}{
		{"bytes", "1024", 1024, false},
		{"kilobytes", "32KB", 32 * 1000, false},
		{"kibibytes", "64KiB", 64 * 1024, false},
		{"megabytes", "2MB", 2 * 1000 * 1000, false},
		{"with space", "5 MiB", 5 * 1024 * 1024, false},
		{"lowercase", "4kib", 4 * 1024, false},
		{"zero", "0", 0, false},
		{"invalid", "invalid", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	err := b.UnmarshalText([]byte("16KiB"))
	require.NoError(t, err)
	assert.Equal(t, ByteSize(16*1024), b)
	assert.Equal(t, 16*1024, b.Int())
}

func TestByteSize_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		expected ByteSize
	}{
		{"string format", `"8KiB"`, 8 * 1024},
		{"bytes int", `32768`, 32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ByteSize
			require.NoError(t, json.Unmarshal([]byte(tt.json), &b))
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestByteSize_StringRoundTrip(t *testing.T) {
	b := ByteSize(32 * 1024)
	text, err := b.MarshalText()
	require.NoError(t, err)

	var back ByteSize
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, b, back)
}
