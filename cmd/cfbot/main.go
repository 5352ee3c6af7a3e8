package main

import (
	"os"

	"github.com/psantana5/cf-reminder/cmd/cfbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
