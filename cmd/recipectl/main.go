// Command recipectl publishes entity changes and queries the recipe index
// from the command line.
package main

import (
	"os"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/cmd/recipectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
