package main

import (
	"fmt"
	"os"

	"promptdeck-sync/cmd/promptdeck/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
