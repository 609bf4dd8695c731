package main

import (
	"os"

	"github.com/solatis/redirector/cmd/redirector/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
