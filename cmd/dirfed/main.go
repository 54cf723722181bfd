package main

import (
	"os"

	"github.com/project-kessel/dirfed/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
