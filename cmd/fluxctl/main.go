// fluxctl is a small command-line client for FluxDB-compatible servers,
// useful for smoke-testing a deployment and running ad-hoc queries.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
