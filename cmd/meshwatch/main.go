package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	analyzeCommand = "analyze"
	serveCommand   = "serve"
	serviceName    = "meshwatch"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case analyzeCommand:
		err = runAnalyze(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case serveCommand:
		err = runServe(ctx, os.Args[2:], os.Stderr)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %s <command> [flags]

Commands:
  %-8s run the mesh analysis over a trace and write the result table
  %-8s serve stored results over HTTP

Run "%s <command> -h" for command flags.
`, serviceName, analyzeCommand, serveCommand, serviceName)
}
