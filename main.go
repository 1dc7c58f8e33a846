// Package main is the entry point for the pgrunner CLI.
package main

import (
	"pgrunner/cli/cmd"
)

func main() {
	cmd.Execute()
}
