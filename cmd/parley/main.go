// ABOUTME: Entry point for the parley CLI
// ABOUTME: All commands live in internal/cli

package main

import "github.com/arden-labs/parley/internal/cli"

func main() {
	cli.Execute()
}
