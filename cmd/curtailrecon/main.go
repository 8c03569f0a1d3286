package main

import "curtailment-reconciler/internal/cli"

func main() {
	cli.Execute()
}
