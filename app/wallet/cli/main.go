package main

import (
	"github.com/blocknetics/ledger/app/wallet/cli/cmd"
)

func main() {
	cmd.Execute()
}
