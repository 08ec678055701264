package main

import (
	"os"

	"github.com/agidotai/memini/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
