package database

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// maxTarget is the largest possible proof of work target (2^256 - 1). A
// difficulty of 1 accepts any header hash.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PowTarget converts an integer difficulty into the big integer target a
// header hash must not exceed: target = maxTarget / difficulty.
func PowTarget(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}

	return new(big.Int).Div(maxTarget, new(big.Int).SetUint64(difficulty))
}

// isHashSolved checks the hash complies with the POW rules. The hex hash is
// interpreted as a big integer and must be less than or equal to the target
// for the specified difficulty.
func isHashSolved(difficulty uint64, hash string) bool {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != 32 {
		return false
	}

	value := new(big.Int).SetBytes(raw)
	return value.Cmp(PowTarget(difficulty)) <= 0
}

// =============================================================================

// RetargetDifficulty computes the difficulty for the block after a retarget
// boundary. Intervals that ran faster than the target span raise the
// difficulty, slower intervals lower it. The adjustment is clamped to the
// clamp factor in both directions so a single interval can never swing the
// difficulty arbitrarily far, and it never drops below 1.
func RetargetDifficulty(oldDifficulty uint64, actualSpan uint64, targetSpan uint64, clamp uint64) uint64 {
	if oldDifficulty == 0 {
		oldDifficulty = 1
	}
	if clamp == 0 {
		clamp = 1
	}
	if actualSpan == 0 {
		actualSpan = 1
	}

	newDifficulty := oldDifficulty * targetSpan / actualSpan

	if newDifficulty > oldDifficulty*clamp {
		newDifficulty = oldDifficulty * clamp
	}
	if newDifficulty < oldDifficulty/clamp {
		newDifficulty = oldDifficulty / clamp
	}
	if newDifficulty == 0 {
		newDifficulty = 1
	}

	return newDifficulty
}

// blockWork returns the amount of work a block at the specified difficulty
// represents. Cumulative chain work is the sum of the work of every block
// from genesis, and fork choice picks the tip with the greatest sum.
func blockWork(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return big.NewInt(0)
	}

	return new(big.Int).SetUint64(difficulty)
}
