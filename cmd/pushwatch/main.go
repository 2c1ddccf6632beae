package main

import (
	"os"

	"github.com/KafClaw/pushwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
