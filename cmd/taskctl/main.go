// Command taskctl runs tasks on a task worker, either by spawning the worker
// binary over stdio or by dialing one that serves a socket.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskctl:", err)
		os.Exit(1)
	}
}
