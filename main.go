package main

import (
	"os"

	"inbox-agent/internal/app"
)

func main() {
	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
