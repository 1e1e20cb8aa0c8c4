package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemes(t *testing.T) {
	assert.True(t, IsRemoteURL("http://example.com/a.m3u8"))
	assert.True(t, IsRemoteURL("HTTPS://example.com/a.m3u8"))
	assert.False(t, IsRemoteURL("file:///a.m3u8"))
	assert.False(t, IsRemoteURL("/media/a.m3u8"))

	assert.True(t, IsFileURL("file:///a.m3u8"))
	assert.False(t, IsFileURL("http://example.com/"))

	assert.Equal(t, "https", GetScheme("HTTPS://example.com"))
	assert.Equal(t, "", GetScheme("relative/path"))
}

func TestFilePathFromURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"triple slash", "file:///media/index.m3u8", "/media/index.m3u8", false},
		{"localhost", "file://localhost/media/x.ts", "/media/x.ts", false},
		{"http", "http://example.com/x.ts", "", true},
		{"remote host", "file://server/share/x.ts", "", true},
		{"empty path", "file://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FilePathFromURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "http://a/b/c.ts", Resolve("http://a/b/index.m3u8", "c.ts"))
	assert.Equal(t, "http://a/c.ts", Resolve("http://a/b/index.m3u8", "/c.ts"))
	assert.Equal(t, "https://x/y.ts", Resolve("http://a/b/index.m3u8", "https://x/y.ts"))
	assert.Equal(t, "file:///media/0.ts", Resolve("file:///media/index.m3u8", "0.ts"))
	assert.Equal(t, "http://a/b/c.ts?t=1", Resolve("http://a/b/index.m3u8?t=0", "c.ts?t=1"))
}

func TestWithPath(t *testing.T) {
	assert.Equal(t, "http://a:8080/x/y.ts?q=1", WithPath("http://a:8080/old?z=2", "/x/y.ts?q=1"))
	assert.Equal(t, "http://a/old", WithPath("http://a/old", ""))
	assert.Equal(t, "file:///m/1.ts", WithPath("file:///m/0.ts", "/m/1.ts"))
}
