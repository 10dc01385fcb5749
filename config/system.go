package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
	"github.com/sarchlab/uvmm/vmm"
)

// ErrUnsupported is returned for a provider or store the platform lacks.
var ErrUnsupported = errors.New("not supported on this platform")

// A System is a manager together with the provider and store it was built
// on.
type System struct {
	Manager  *vmm.Manager
	Provider frame.Provider
	Store    backing.Store
}

// Build validates the configuration and creates the provider, the store and
// the manager. The manager workers are not started.
func (c Config) Build(name string, logger *slog.Logger) (*System, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	provider, err := c.newProvider()
	if err != nil {
		return nil, fmt.Errorf("creating %s provider: %w", c.Provider, err)
	}

	store, err := c.newStore()
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("creating %s store: %w", c.Store, err)
	}

	m, err := vmm.MakeBuilder().
		WithNumPages(c.NumPages).
		WithNumFrames(c.NumFrames).
		WithProvider(provider).
		WithStore(store).
		WithMaxWriteBatch(c.MaxWriteBatch).
		WithRegionSize(c.RegionSize).
		WithLowWaterFraction(c.LowWaterFraction).
		WithSlotCacheSize(c.SlotCacheSize).
		WithSchedulerInterval(c.SchedulerInterval.Std()).
		WithWriterInterval(c.WriterInterval.Std()).
		WithAudit(c.Audit).
		WithLogger(logger).
		Build(name)
	if err != nil {
		store.Close()
		provider.Close()

		return nil, err
	}

	return &System{Manager: m, Provider: provider, Store: store}, nil
}

// Close stops the manager and releases the store and the provider.
func (s *System) Close() error {
	s.Manager.Stop()

	return errors.Join(s.Store.Close(), s.Provider.Close())
}

func (c Config) newProvider() (frame.Provider, error) {
	switch c.Provider {
	case ProviderMemfd:
		return newMemfdProvider(c.NumFrames, c.PageSize)
	default:
		return frame.MakeSimBuilder().
			WithPageSize(c.PageSize).
			WithNumFrames(c.NumFrames).
			Build()
	}
}

func (c Config) newStore() (backing.Store, error) {
	switch c.Store {
	case StoreFile:
		return backing.NewFileStore(c.StorePath, c.NumSlots, c.PageSize)
	case StoreMmap:
		return newMmapStore(c.StorePath, c.NumSlots, c.PageSize)
	default:
		return backing.NewMemoryStore(c.NumSlots, c.PageSize), nil
	}
}
