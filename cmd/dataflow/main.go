// Package main provides the dataflow CLI: run, validate and inspect graph
// payloads and manage saved flows.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version information set during build
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run executes the command line in args and releases the runtime the
// command opened, if any.
func run(args []string, stdout io.Writer) error {
	c := &cli{}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	err := root.Execute()
	if c.rt != nil {
		if cerr := c.rt.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
