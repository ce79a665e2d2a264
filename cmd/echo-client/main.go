// Command echo-client sends one message to an echo server and prints the
// reply. With --interactive it reads messages from stdin, one per line, until
// an empty line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
