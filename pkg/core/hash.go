package core

import (
	"fmt"
	"hash/fnv"

	"github.com/nemanja-m/gobatch/internal/wire"
)

// Hash identifies an input batch for retry accounting: FNV-1a (64 bit) over
// the deterministic protobuf encoding of the batch.
func Hash(batch []any) (uint64, error) {
	raw, err := wire.Canonical(batch)
	if err != nil {
		return 0, fmt.Errorf("hash input: %w", err)
	}
	hash := fnv.New64a()
	hash.Write(raw)
	return hash.Sum64(), nil
}
