// Command arbmon runs the cross-venue arbitrage monitor and executor.
package main

import "github.com/kb-331/vrsc-arb/internal/cli"

func main() {
	cli.Execute()
}
