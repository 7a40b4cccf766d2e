package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env file from current directory")
	}

	err := newRootCmd().ExecuteContext(context.Background())
	os.Exit(exitCode(err))
}
