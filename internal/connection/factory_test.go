package connection

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/config"
)

func TestHTTPFactory_CreateConnection(t *testing.T) {
	f := NewHTTPFactory(config.Default().HTTP, nil, nil)

	tests := []struct {
		name       string
		url        string
		wantErr    error
		persistent bool
	}{
		{"http is persistent", "http://cdn.example.com/a.ts", nil, true},
		{"https is not persistent", "https://cdn.example.com/a.ts", nil, false},
		{"unsupported scheme", "ftp://cdn.example.com/a.ts", ErrUnsupportedScheme, false},
		{"empty host", "http:///a.ts", ErrEmptyHost, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseParams(tt.url)
			require.NoError(t, err)

			conn, err := f.CreateConnection(p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			hc, ok := conn.(*HTTPConnection)
			require.True(t, ok)
			assert.Equal(t, tt.persistent, hc.Persistent())
		})
	}
}

func TestHTTPFactory_SocketKind(t *testing.T) {
	f := NewHTTPFactory(config.Default().HTTP, nil, nil)

	p, _ := ParseParams("https://cdn.example.com/a.ts")
	conn, err := f.CreateConnection(p)
	require.NoError(t, err)
	assert.IsType(t, &TLSSocket{}, conn.(*HTTPConnection).socket)

	p, _ = ParseParams("http://cdn.example.com/a.ts")
	conn, err = f.CreateConnection(p)
	require.NoError(t, err)
	assert.IsType(t, &TCPSocket{}, conn.(*HTTPConnection).socket)
}

func TestNewFactory_Routing(t *testing.T) {
	cfg := config.Default().HTTP
	fs := afero.NewMemMapFs()

	f := NewFactory(cfg, fs, nil)
	for url, want := range map[string]any{
		"http://cdn.example.com/a.ts":  &HTTPConnection{},
		"https://cdn.example.com/a.ts": &HTTPConnection{},
		"file:///media/a.ts":           &StreamConnection{},
	} {
		p, _ := ParseParams(url)
		conn, err := f.CreateConnection(p)
		require.NoError(t, err, url)
		assert.IsType(t, want, conn, url)
	}

	cfg.UseAccess = true
	f = NewFactory(cfg, fs, nil)
	p, _ := ParseParams("http://cdn.example.com/a.ts")
	conn, err := f.CreateConnection(p)
	require.NoError(t, err)
	assert.IsType(t, &StreamConnection{}, conn)

	p, _ = ParseParams("gopher://cdn.example.com/a.ts")
	_, err = f.CreateConnection(p)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
