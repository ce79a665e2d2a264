// Command echo-server echoes every line received over TCP, or every datagram
// received over UDP, back to its sender.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(runServer).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
