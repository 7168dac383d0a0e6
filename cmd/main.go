package main

import (
	"os"

	"github.com/soundprediction/rerankbench/cmd/rerankbench"
)

func main() {
	if err := rerankbench.Execute(); err != nil {
		os.Exit(1)
	}
}
