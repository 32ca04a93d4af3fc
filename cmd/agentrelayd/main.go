// Command agentrelayd wires the durable queue, config provider, router,
// agent invoker, conversation manager, dispatcher and Control API into a
// single long-running process behind a thin cobra entrypoint.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
