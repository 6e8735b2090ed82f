package main

import (
	"os"

	"chorus.org/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
