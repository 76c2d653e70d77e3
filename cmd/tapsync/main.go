package main

import (
	"os"

	"github.com/kegdisplay/tapsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
