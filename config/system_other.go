//go:build !linux

package config

import (
	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
)

func newMemfdProvider(int, uint64) (frame.Provider, error) {
	return nil, ErrUnsupported
}

func newMmapStore(string, uint64, uint64) (backing.Store, error) {
	return nil, ErrUnsupported
}
