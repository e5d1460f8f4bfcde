// Command fxtrader is the FXIFY risk-gated trading terminal.
package main

import (
	"os"

	"fxify-trader/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
