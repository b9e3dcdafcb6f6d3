//go:build !linux

package source

import (
	"fmt"
	"net/url"
	"runtime"
)

func unsupported(scheme string) Factory {
	return func(string, url.Values, Options) (Source, error) {
		return nil, fmt.Errorf("%s source on %s: %w", scheme, runtime.GOOS, ErrUnsupported)
	}
}

func init() {
	Register("device", unsupported("device"))
	Register("shm", unsupported("shm"))
}
