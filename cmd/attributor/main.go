package main

import (
	"os"

	"github.com/solatis/attributor/cmd/attributor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
