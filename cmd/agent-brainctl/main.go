// Command agent-brainctl is a thin HTTP client for agent-brain-server: it
// holds no index state of its own and issues one request per subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/SpillwaveSolutions/agent-brain/cmd/agent-brainctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
