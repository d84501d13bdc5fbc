package main

import (
	"os"

	"github.com/openmargin/engine/cmd/margind/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
