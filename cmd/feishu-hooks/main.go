// Command feishu-hooks is the machine-side entry point: Claude Code hook
// handlers, the Feishu dispatch daemon and the relay agent.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// exitError carries a hook's exit status out of cobra without printing.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
