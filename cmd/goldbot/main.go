package main

import (
	"fmt"
	"os"

	"github.com/sutton-OS/GoldBot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Alert: %v\n", err)
		os.Exit(1)
	}
}
