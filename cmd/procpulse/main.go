package main

import (
	"os"

	"github.com/procpulse/procpulse/cmd/procpulse/root"
)

func main() {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
