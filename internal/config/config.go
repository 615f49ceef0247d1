// Package config holds the runtime tunables around the FTL core:
// reserved-range sizing, the NSSM pool base count, the allocator seed, and
// the gate for the "erasable on unreadable metadata" policy. Loaded from
// TOML via BurntSushi/toml.
package config

import (
	"github.com/BurntSushi/toml"
)

// Config is the full set of runtime-tunable FTL parameters.
type Config struct {
	// ReservedGoodBlocks is the minimum number of good (non-factory-bad)
	// blocks the reserved range must contain.
	ReservedGoodBlocks int `toml:"reserved_good_blocks"`

	// NssmPoolBase128 is the NssmManager base pool size, expressed in
	// 128-pages-per-block units before geometry scaling.
	NssmPoolBase128 int `toml:"nssm_pool_base_128"`

	// AllocatorSeed seeds RandomBlockAllocator's PRNG. Zero selects a fixed
	// built-in seed (internal/mapper substitutes it at Init), so runs stay
	// reproducible.
	AllocatorSeed int64 `toml:"allocator_seed"`

	// RepairUnreadableAsErasable gates treating a block whose metadata is
	// unreadable via uncorrectable ECC as erasable, intentionally
	// destroying its data. Default false: preserve the data and surface
	// the error instead.
	RepairUnreadableAsErasable bool `toml:"repair_unreadable_as_erasable"`

	// MergeRetryBudget is the number of target-write retries the core merge
	// algorithm attempts before giving up.
	MergeRetryBudget int `toml:"merge_retry_budget"`
}

// Default returns sane defaults: 12 good reserved blocks, retry budget 10,
// destructive-repair disabled.
func Default() Config {
	return Config{
		ReservedGoodBlocks: 12,
		NssmPoolBase128:    4,
		AllocatorSeed:      0,
		MergeRetryBudget:   10,
	}
}

// Load reads a Config from a TOML file, starting from Default() so that an
// omitted field keeps its sane default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
