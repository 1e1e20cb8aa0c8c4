package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		url    string
		scheme string
		host   string
		port   int
		path   string
	}{
		{"http://cdn.example.com/live/seg1.ts", "http", "cdn.example.com", 80, "/live/seg1.ts"},
		{"https://cdn.example.com/a.m4s?token=x", "https", "cdn.example.com", 443, "/a.m4s?token=x"},
		{"HTTP://cdn.example.com:8080", "http", "cdn.example.com", 8080, "/"},
		{"http://[::1]:9000/seg.ts", "http", "::1", 9000, "/seg.ts"},
		{"file:///media/seg.ts", "file", "", 0, "/media/seg.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			p, err := ParseParams(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, p.Scheme)
			assert.Equal(t, tt.host, p.Host)
			assert.Equal(t, tt.port, p.Port)
			assert.Equal(t, tt.path, p.Path)
			assert.Equal(t, tt.url, p.String())
		})
	}

	_, err := ParseParams("http://host:port/")
	assert.Error(t, err)
}

func TestParams_SameTarget(t *testing.T) {
	a, _ := ParseParams("http://cdn.example.com/a.ts")
	b, _ := ParseParams("http://cdn.example.com:80/b.ts")
	c, _ := ParseParams("https://cdn.example.com/a.ts")
	d, _ := ParseParams("http://other.example.com/a.ts")

	assert.True(t, a.SameTarget(b))
	assert.False(t, a.SameTarget(c))
	assert.False(t, a.SameTarget(d))
}

func TestParams_HostPort(t *testing.T) {
	a, _ := ParseParams("http://cdn.example.com/a.ts")
	b, _ := ParseParams("http://cdn.example.com:8080/a.ts")
	c, _ := ParseParams("https://[::1]/a.ts")

	assert.Equal(t, "cdn.example.com", a.HostPort())
	assert.Equal(t, "cdn.example.com:8080", b.HostPort())
	assert.Equal(t, "[::1]", c.HostPort())
}

func TestByteRange(t *testing.T) {
	tests := []struct {
		name   string
		r      ByteRange
		valid  bool
		length uint64
		header string
	}{
		{"whole resource", ByteRange{}, false, 0, ""},
		{"unset fields", ByteRange{Start: 10, End: 19}, false, 0, ""},
		{"closed", Bytes(10, 19), true, 10, "bytes=10-19"},
		{"open", BytesFrom(100), true, 0, "bytes=100-"},
		{"from zero", Bytes(0, 99), true, 100, "bytes=0-99"},
		{"first byte", Bytes(0, 0), true, 1, "bytes=0-0"},
		{"open from zero", BytesFrom(0), true, 0, "bytes=0-"},
		{"inverted", Bytes(20, 10), false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.r.Valid())
			assert.Equal(t, tt.length, tt.r.Length())
			if tt.valid {
				assert.Equal(t, tt.header, tt.r.Header())
			}
		})
	}
}
