package fetch

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"ssb-archive/pkg/utils"
)

// acceptEncoding is sent on every request; bodies are decoded by readBody
const acceptEncoding = "gzip, deflate, br"

// readBody decodes the Content-Encoding of resp and reads at most maxBytes.
// It always closes resp.Body.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: gzip decode: %w", utils.ErrResponseBodyRead, err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", utils.ErrResponseBodyRead, maxBytes)
	}
	return body, nil
}
