package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
)

func mainE() error {
	cfg := defaultConfig()
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()
	if args := flag.Args(); len(args) != 0 {
		return fmt.Errorf("got %d arguments, expected 0", len(args))
	}
	a, err := cfg.validate()
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	h, err := newHarness(&cfg, a, os.Stdout, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = h.Run(ctx)
	if ferr := h.Out.Flush(); err == nil {
		err = ferr
	}
	return err
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
