package main

import (
	"os"

	"github.com/dshills/debugd/cmd/debugd/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
