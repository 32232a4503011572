// Command discardd is the RFC 863 discard service.
package main

import (
	"os"

	"github.com/echodev/echod/internal/cli"
)

func main() {
	os.Exit(cli.Main(cli.Discard, os.Args[1:]))
}
