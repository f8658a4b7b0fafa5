package main

import (
	"os"

	"critic/cmd/critic/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
