// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"sort"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

// List of the different select strategies.
const (
	StrategyFeeRate = "feerate"
	StrategyFee     = "fee"
)

// Map of the different select strategies with functions.
var strategies = map[string]Func{
	StrategyFeeRate: feeRateSelect,
	StrategyFee:     feeSelect,
}

// Func defines a function that takes a mempool of transactions grouped by
// account and selects transactions for the next block within the specified
// byte budget. All selector functions MUST respect nonce ordering within an
// account. A budget of 0 means no byte limit.
type Func func(transactions map[database.AccountID][]database.BlockTx, maxBytes int) []database.BlockTx

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// byNonce provides sorting support by the transaction nonce value.
type byNonce []database.BlockTx

// Len returns the number of transactions in the list.
func (bn byNonce) Len() int {
	return len(bn)
}

// Less helps to sort the list by nonce in ascending order to keep the
// transactions in the right order of processing.
func (bn byNonce) Less(i, j int) bool {
	return bn[i].Nonce < bn[j].Nonce
}

// Swap moves transactions in the order of the nonce value.
func (bn byNonce) Swap(i, j int) {
	bn[i], bn[j] = bn[j], bn[i]
}

// =============================================================================

// sortByNonce orders each account's transactions by ascending nonce so a
// later nonce is never picked before an earlier one.
func sortByNonce(m map[database.AccountID][]database.BlockTx) {
	for key := range m {
		if len(m[key]) > 1 {
			sort.Sort(byNonce(m[key]))
		}
	}
}

// greedySelect repeatedly picks the best next transaction across all
// accounts, where best is defined by the specified better function over the
// head of each account's remaining nonce ordered transactions. An account
// whose head doesn't fit the remaining byte budget is blocked entirely,
// since skipping a nonce would invalidate every later transaction from that
// account.
func greedySelect(m map[database.AccountID][]database.BlockTx, maxBytes int, better func(a, b database.BlockTx) bool) []database.BlockTx {
	sortByNonce(m)

	// Deterministic account ordering keeps equal-priority selections
	// stable across runs.
	accounts := make([]database.AccountID, 0, len(m))
	for accountID := range m {
		accounts = append(accounts, accountID)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	heads := make(map[database.AccountID]int, len(m))
	blocked := make(map[database.AccountID]bool)

	var final []database.BlockTx
	var used int

	for {
		var bestID database.AccountID
		var bestTx database.BlockTx
		found := false

		for _, accountID := range accounts {
			if blocked[accountID] || heads[accountID] >= len(m[accountID]) {
				continue
			}

			tx := m[accountID][heads[accountID]]
			if maxBytes > 0 && used+tx.Size() > maxBytes {
				blocked[accountID] = true
				continue
			}

			if !found || better(tx, bestTx) {
				bestID, bestTx, found = accountID, tx, true
			}
		}

		if !found {
			return final
		}

		final = append(final, bestTx)
		used += bestTx.Size()
		heads[bestID]++
	}
}

// feeRateSelect returns transactions with the best fee per byte while
// respecting the nonce for each account.
var feeRateSelect = func(m map[database.AccountID][]database.BlockTx, maxBytes int) []database.BlockTx {
	return greedySelect(m, maxBytes, func(a, b database.BlockTx) bool {
		return a.FeeRate() > b.FeeRate()
	})
}

// feeSelect returns transactions with the best absolute fee while respecting
// the nonce for each account.
var feeSelect = func(m map[database.AccountID][]database.BlockTx, maxBytes int) []database.BlockTx {
	return greedySelect(m, maxBytes, func(a, b database.BlockTx) bool {
		return a.Fee > b.Fee
	})
}
