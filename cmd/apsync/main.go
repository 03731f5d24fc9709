package main

import (
	"os"

	"github.com/aperturehq/aperture-sync/internal/ui"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		ui.Fail("%v", err)
		os.Exit(1)
	}
}
