package main

import "fmt"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("throttletalk server %s\n", Version)
		return true
	default:
		return false
	}
}
