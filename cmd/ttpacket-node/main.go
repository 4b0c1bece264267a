// Command ttpacket-node runs a ping/echo exchange over the typed packet
// transport, as a server, a client or both in one process.
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
