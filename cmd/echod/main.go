// Command echod is the RFC 862 echo service.
package main

import (
	"os"

	"github.com/echodev/echod/internal/cli"
)

func main() {
	os.Exit(cli.Main(cli.Echo, os.Args[1:]))
}
