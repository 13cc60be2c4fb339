package database_test

import (
	"math/big"
	"testing"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

func Test_PowTarget(t *testing.T) {
	t.Log("Given the need to derive the proof of work target from a difficulty.")
	{
		one := database.PowTarget(1)
		maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

		if one.Cmp(maxTarget) != 0 {
			t.Errorf("\t%s\tShould accept any hash at difficulty one.", failed)
		} else {
			t.Logf("\t%s\tShould accept any hash at difficulty one.", success)
		}

		if database.PowTarget(0).Cmp(one) != 0 {
			t.Errorf("\t%s\tShould treat difficulty zero as one.", failed)
		} else {
			t.Logf("\t%s\tShould treat difficulty zero as one.", success)
		}

		two := database.PowTarget(2)
		if two.Cmp(one) >= 0 {
			t.Errorf("\t%s\tShould shrink the target as the difficulty rises.", failed)
		} else {
			t.Logf("\t%s\tShould shrink the target as the difficulty rises.", success)
		}
	}
}

func Test_RetargetDifficulty(t *testing.T) {
	t.Log("Given the need to retarget the difficulty toward the block time.")
	{
		// Blocks came in twice as fast as the target span.
		if got := database.RetargetDifficulty(100, 500, 1000, 4); got != 200 {
			t.Errorf("\t%s\tShould double on a half speed interval, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould double on a half speed interval.", success)
		}

		// Blocks came in twice as slow as the target span.
		if got := database.RetargetDifficulty(100, 2000, 1000, 4); got != 50 {
			t.Errorf("\t%s\tShould halve on a double length interval, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould halve on a double length interval.", success)
		}

		// An absurdly fast interval is clamped to the configured factor.
		if got := database.RetargetDifficulty(100, 1, 1000, 4); got != 400 {
			t.Errorf("\t%s\tShould clamp the upward swing, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould clamp the upward swing.", success)
		}

		// An absurdly slow interval is clamped the same way.
		if got := database.RetargetDifficulty(100, 100000, 1000, 4); got != 25 {
			t.Errorf("\t%s\tShould clamp the downward swing, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould clamp the downward swing.", success)
		}

		// The difficulty never drops below one.
		if got := database.RetargetDifficulty(1, 100000, 1000, 4); got != 1 {
			t.Errorf("\t%s\tShould never drop below one, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould never drop below one.", success)
		}
	}
}
