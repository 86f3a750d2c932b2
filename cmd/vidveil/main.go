// Package main is the entry point for the vidveil application.
package main

import (
	"os"

	"github.com/dstrelkov/vidveil/cmd/vidveil/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
