package main

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/melih-ucgun/rumi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
