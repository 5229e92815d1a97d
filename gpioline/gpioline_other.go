//go:build !linux

package gpioline

import "io"

func requestLine(cfg Config, consumer string, fn edgeFunc) (io.Closer, error) {
	return nil, ErrUnsupported
}
