// Package main is the entry point for rxe, the RoCEv2 BTH toolkit.
package main

import (
	"os"

	"firestige.xyz/rxe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
