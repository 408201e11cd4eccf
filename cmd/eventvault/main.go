package main

import (
	"context"
	"os"

	"github.com/Evothesis/server-infrastructure/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
