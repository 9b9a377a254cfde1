package main

import (
	"os"

	"github.com/ariel-frischer/chemflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
