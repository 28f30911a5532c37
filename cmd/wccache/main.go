// Package main is the entry point for the wccache tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/wccache/wccache"
	"github.com/wccache/wccache/cmd/wccache/commands"
	"github.com/wccache/wccache/config"
	"github.com/wccache/wccache/internal/log"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	log.InitLogger()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(func(configPath string) (commands.Application, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return wccache.New(cfg)
	})
	cli.SetArgs(args)
	cli.SetOutput(os.Stdout, stderr)

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(stderr, "Error: "+err.Error())
		return 1
	}
	return 0
}
