package main

import (
	"os"

	"github.com/HypeDuke/osint3/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
