package manifest

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// maxPlaylistSize bounds a decompressed playlist.
const maxPlaylistSize = 32 << 20

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	bzip2Magic = []byte{'B', 'Z', 'h'}
)

// playlistReader returns a reader over the plain text of a fetched playlist.
// gzip, zstd, xz and bzip2 are detected from their magic bytes. Brotli has
// none and is only recognized from a ".br" URL suffix.
func playlistReader(rawURL string, data []byte) (io.Reader, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(data)

	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err = gzip.NewReader(src)
	case bytes.HasPrefix(data, zstdMagic):
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err == nil {
			r = dec.IOReadCloser()
		}
	case bytes.HasPrefix(data, xzMagic):
		r, err = xz.NewReader(src)
	case bytes.HasPrefix(data, bzip2Magic):
		r, err = bzip2.NewReader(src, nil)
	case hasBrotliSuffix(rawURL):
		r = brotli.NewReader(src)
	default:
		return src, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decompressing playlist %s: %w", rawURL, err)
	}
	return io.LimitReader(r, maxPlaylistSize), nil
}

func hasBrotliSuffix(rawURL string) bool {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".br")
}
