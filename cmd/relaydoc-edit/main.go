package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv}
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}
