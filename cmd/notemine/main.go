// Package main is the entry point for the notemine CLI.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/jmylchreest/notemine/cmd/notemine/commands"
)

func main() {
	// A missing .env is normal; real environment variables take precedence.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
