// vidfleet-runner - worker node for the vidfleet transcode fleet.
package main

import (
	"os"

	"github.com/vidfleet/vidfleet-runner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
