// Package main provides the imgmatrix CLI.
//
// Usage:
//
//	imgmatrix [flags] <command> [args]
//
// Commands:
//
//	generate   - render a prompt across a row x column matrix
//	refine     - regenerate an asset with a few fields changed
//	inspire    - generate variations styled after an existing asset
//	lineage    - inspect ancestors, children and project history
//	providers  - show provider priority and health
//	schema     - print the parameter allow-list as JSON Schema
package main

import (
	"fmt"
	"os"

	"github.com/shouni/image-matrix-kit/cmd/imgmatrix/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
