//go:build linux

package config

import (
	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
)

func newMemfdProvider(numFrames int, pageSize uint64) (frame.Provider, error) {
	return frame.NewMemfdProvider(numFrames, pageSize)
}

func newMmapStore(path string, numSlots, pageSize uint64) (backing.Store, error) {
	return backing.NewMmapStore(path, numSlots, pageSize)
}
