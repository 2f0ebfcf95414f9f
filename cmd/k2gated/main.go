package main

import (
	"os"

	"github.com/k2gate/k2gate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
