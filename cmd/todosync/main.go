// Package main is the todosync command: a local-first todo store with a
// background reconciler and a localhost API.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
