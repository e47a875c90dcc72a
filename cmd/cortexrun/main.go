// Command cortexrun flashes an ELF image to an attached Cortex-M target over
// a debug probe, streams its RTT logs, and exits with a code derived from how
// the firmware terminated. It is the runner described by the design, wired
// together from the packages under pkg/.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "cortexrun:", err)
		os.Exit(1)
	}
}
