// Command creditledger runs and operates a confidential credit ledger.
package main

import "github.com/tutu-network/creditledger/internal/cli"

func main() {
	cli.Execute()
}
