// Command pairflow is the thin CLI shell of §4.13/§6.5: it parses flags,
// resolves a bubble, builds the matching ProtocolCommand input, and
// prints the result. It owns no business logic -- every decision lives
// in internal/commands -- matching the teacher's cmd/*-entrypoint pattern
// of a main() that does nothing but wire cobra to the library package.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if rc, ok := err.(*requiresConfirmationError); ok {
		fmt.Fprintln(os.Stderr, rc.Error())
		return 2
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

// requiresConfirmationError is returned by `bubble delete` when
// §4.8.11's confirmation gate trips; main maps it to exit code 2 per §6.5.
type requiresConfirmationError struct {
	Detail string
}

func (e *requiresConfirmationError) Error() string {
	return "requires confirmation: " + e.Detail
}
