package main

import (
	"mediabuf/cmd/mediabuf/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
