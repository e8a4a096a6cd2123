// Command voxnote is the voxnote credit daemon and CLI.
package main

import (
	"os"

	"github.com/voxnote/voxnote/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
