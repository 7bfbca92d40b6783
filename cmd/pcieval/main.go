package main

import (
	"github.com/OpenTraceLab/OpenTracePCIe/cmd/pcieval/cmd"
)

func main() {
	cmd.Execute()
}
