package driver

import "context"

// Strategy controls how a MultiTierDriver writes across its tiers.
type Strategy string

const (
	// WriteThrough writes to every tier synchronously.
	WriteThrough Strategy = "write-through"
	// WriteBack writes only to the first tier; promotion and misses fill
	// the rest lazily.
	WriteBack Strategy = "write-back"
)

// TierConfig is one entry in a MultiTierDriver's ordered tier list.
type TierConfig struct {
	Driver Driver
	// FallbackOnError, when true, lets a tier's read error be treated as a
	// miss so the walk continues to the next tier instead of surfacing the
	// error to the caller.
	FallbackOnError bool
}

// MultiTierDriver walks an ordered list of drivers, promoting values to
// higher tiers on a lower-tier hit.
type MultiTierDriver struct {
	tiers    []TierConfig
	promote  bool
	strategy Strategy
}

// MultiTierConfig configures a MultiTierDriver.
type MultiTierConfig struct {
	Tiers        []TierConfig
	PromoteOnHit bool
	Strategy     Strategy
}

// NewMultiTierDriver builds a MultiTierDriver from cfg.
func NewMultiTierDriver(cfg MultiTierConfig) *MultiTierDriver {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = WriteThrough
	}
	return &MultiTierDriver{tiers: cfg.Tiers, promote: cfg.PromoteOnHit, strategy: strategy}
}

func (d *MultiTierDriver) Kind() Kind { return KindMultiTier }

// Get walks tiers in order; on the first hit, if PromoteOnHit is set, the
// value is written into every tier above the hit.
func (d *MultiTierDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, tier := range d.tiers {
		value, ok, err := tier.Driver.Get(ctx, key)
		if err != nil {
			if tier.FallbackOnError {
				continue
			}
			return nil, false, err
		}
		if !ok {
			continue
		}
		if d.promote && i > 0 {
			for j := 0; j < i; j++ {
				_ = d.tiers[j].Driver.Set(ctx, key, value)
			}
		}
		return value, true, nil
	}
	return nil, false, nil
}

// Set writes per Strategy: WriteThrough writes every tier; WriteBack writes
// only the first.
func (d *MultiTierDriver) Set(ctx context.Context, key string, value []byte) error {
	if len(d.tiers) == 0 {
		return nil
	}
	if d.strategy == WriteBack {
		return d.tiers[0].Driver.Set(ctx, key, value)
	}
	for _, tier := range d.tiers {
		if err := tier.Driver.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (d *MultiTierDriver) Delete(ctx context.Context, key string) error {
	for _, tier := range d.tiers {
		if err := tier.Driver.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (d *MultiTierDriver) Clear(ctx context.Context, prefix string) error {
	for _, tier := range d.tiers {
		if err := tier.Driver.Clear(ctx, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (d *MultiTierDriver) Size(ctx context.Context) (int64, error) {
	if len(d.tiers) == 0 {
		return 0, nil
	}
	return d.tiers[0].Driver.Size(ctx)
}

func (d *MultiTierDriver) Keys(ctx context.Context, prefix string) ([]string, error) {
	if len(d.tiers) == 0 {
		return nil, nil
	}
	return d.tiers[0].Driver.Keys(ctx, prefix)
}
