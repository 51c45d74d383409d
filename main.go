package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tsawler/go-netbridge/cmd"
	_ "github.com/tsawler/go-netbridge/layers"
)

func main() {
	if err := cmd.NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
