package main

import (
	"os"

	"github.com/fum4/openkit-sub000/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
