package main

import (
	"context"
	"fmt"
	"os"

	"layerstream/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "layerstream:", err)
		os.Exit(1)
	}
}
