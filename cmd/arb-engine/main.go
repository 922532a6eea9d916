package main

import "github.com/mev-engine/arb-economics/internal/cli"

func main() {
	cli.Execute()
}
