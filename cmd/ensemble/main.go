package main

import (
	"fmt"
	"os"

	"ensemble/director/cmd/ensemble/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
