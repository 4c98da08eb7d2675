package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"ptt/server/internal/store"
)

// runCLI handles subcommand execution ahead of flag parsing. Returns true
// if a subcommand was handled, mirroring the teacher's own RunCLI/main.go
// split between one-shot admin commands and the long-running server.
func runCLI(args []string, defaultDBPath string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("pttserver %s\n", Version)
		return true
	case "status":
		return cliStatus(defaultDBPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Size: %s\n", humanize.Bytes(uint64(info.Size())))
	fmt.Printf("Version: %s\n", Version)
	return true
}
