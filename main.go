package main

import (
	"context"
	"os"

	"xmdecrypt/cmd"
)

func main() {
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		os.Exit(1)
	}
}
