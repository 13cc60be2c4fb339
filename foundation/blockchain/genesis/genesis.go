// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"os"
	"time"
)

// Genesis represents the genesis file with the consensus parameters every
// node on the network must agree on.
type Genesis struct {
	Date             time.Time         `json:"date"`
	ChainID          uint16            `json:"chain_id"`           // Unique id for this running network.
	Difficulty       uint64            `json:"difficulty"`         // Initial difficulty for solving the work problem.
	TargetBlockTime  uint64            `json:"target_block_time"`  // Seconds each block should roughly take to mine.
	RetargetInterval uint64            `json:"retarget_interval"`  // Number of blocks between difficulty adjustments.
	RetargetClamp    uint64            `json:"retarget_clamp"`     // Max factor a single adjustment may move the difficulty.
	MiningReward     uint64            `json:"mining_reward"`      // Reward for mining a block.
	MaxBlockSize     int               `json:"max_block_size"`     // Max byte size of the transactions in a block.
	MinTxFee         uint64            `json:"min_transaction_fee"` // Lowest fee a transaction will be accepted with.
	Balances         map[string]uint64 `json:"balances"`
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}
