package main

import (
	_ "time/tzdata"

	"github.com/chpwatch/chpwatch/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.Run()
}
