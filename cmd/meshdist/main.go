// Command meshdist reads a triangular mesh, partitions its elements across
// ranks and redistributes elements and vertices to their owners.
//
// Usage:
//
//	meshdist [flags]                  run the pipeline
//	meshdist gen -nx 8 -ny 8 -o FILE  write a structured grid in the source format
//
// Without -peers every rank runs in this process. With -peers this process is
// one rank of a TCP world; start one process per address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/config"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/logging"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "gen" {
		if err := generate(args[1:], stderr); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			fmt.Fprintf(stderr, "meshdist gen: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Parse("meshdist", args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "meshdist: %v\n", err)
		return 2
	}
	log, err := logging.New(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "meshdist: %v\n", err)
		return 2
	}
	log.Info("starting", "run", cfg.String())

	if err := execute(ctx, cfg, log); err != nil {
		log.Error("run failed", "kind", fault.KindOf(err).String(), "err", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	strategy, err := cfg.Strategy()
	if err != nil {
		return err
	}
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	if cfg.Output != "" {
		if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
			return fault.Wrap(fault.KindIO, "output", err)
		}
	}

	body := func(ctx context.Context, c comm.Communicator) error {
		rlog := logging.ForRank(log, c.Rank(), c.Size())
		res, err := pipeline.Run(ctx, c, pipeline.Options{
			Ingest: mesh.IngestOptions{
				Location:      cfg.Mesh,
				S3:            cfg.S3,
				MaxAllocBytes: cfg.MaxAllocBytes,
				Logger:        rlog,
			},
			Strategy: strategy,
			Verbose:  cfg.Verbose,
			Logger:   rlog,
		})
		if err != nil {
			return err
		}
		defer res.Mesh.Destroy()
		rlog.Info("done", "mesh", res.Mesh.String())
		if cfg.Output == "" {
			return nil
		}
		return dump(cfg.Output, res.Mesh)
	}

	if !cfg.Distributed() {
		return comm.RunLocal(ctx, cfg.Ranks, body)
	}
	c, err := comm.DialWorld(ctx, cfg.Rank, cfg.Peers, comm.NetworkOptions{
		Compression: codec,
		DialTimeout: cfg.DialTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return body(ctx, c)
}

func dump(dir string, m *mesh.LocalMesh) error {
	path := filepath.Join(dir, fmt.Sprintf("rank-%04d.txt", m.Rank))
	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(fault.KindIO, "output", err)
	}
	if err := mesh.WriteLocal(f, m); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fault.Wrap(fault.KindIO, "output", err)
	}
	return nil
}

func generate(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("meshdist gen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nx := fs.Int("nx", 8, "cells in x")
	ny := fs.Int("ny", 8, "cells in y")
	out := fs.String("o", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return mesh.WriteGrid(os.Stdout, *nx, *ny)
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := mesh.WriteGrid(f, *nx, *ny); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
