// Command sentryd is the validator-node observability CLI and daemon
// described in spec §6. It wires the RPC transport, store, committee
// resolver, registration source, ingestion engine, daemon runtime and
// read API into the subcommands named there.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
