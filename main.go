// Copyright (c) 2026, The llflat Authors.
// See LICENSE for licensing information.

// llflat reads a textual LLVM IR module, flattens the control flow of every
// eligible function definition, and writes the rewritten module. The
// flattening replaces the branch structure with a dispatcher loop driven by
// a state variable; a set of optional secondary obfuscations hardens the
// dispatcher's state checks.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/llir/llvm/asm"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"llflat.dev/llflat/internal/ctrlflow"
)

// dbg logs verbose progress to standard error.
var dbg = log.New(io.Discard, term.MagentaBold("llflat:")+" ", 0)

func main() { os.Exit(main1()) }

func main1() int {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "llflat: %v\n", err)
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	opts := ctrlflow.DefaultOptions()
	var seed int64
	var verbose bool

	cmd := &cobra.Command{
		Use:           "llflat [flags] <input.ll> <output.ll>",
		Short:         "Flatten the control flow of an LLVM IR module",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			if verbose {
				dbg.SetOutput(os.Stderr)
			}
			return run(args[0], args[1], opts, seed)
		},
	}

	cmd.Flags().IntVar(&opts.Iterations, "iterations", opts.Iterations, "number of flattening passes over the module")
	cmd.Flags().IntVar(&opts.ResolverChance, "use-func-resolver", 0, "percent chance to delegate a state check to a helper function")
	cmd.Flags().IntVar(&opts.GlobalStateChance, "use-global-state", 0, "percent chance to hold a target state in a private global")
	cmd.Flags().IntVar(&opts.OpaqueChance, "use-opaque", 0, "percent chance to route a state check through an opaque transform chain")
	cmd.Flags().IntVar(&opts.GlobalOpaqueChance, "use-global-opaque", 0, "percent chance to materialize opaque constants as private globals")
	cmd.Flags().IntVar(&opts.SipHashChance, "use-siphash", 0, "percent chance to hash the state before comparing it")
	cmd.Flags().IntVar(&opts.CloneSipHashChance, "clone-siphash", 0, "percent chance to give a hashed check its own hash function clone")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed; 0 picks one at random")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log progress to standard error")
	return cmd
}

func run(inPath, outPath string, opts ctrlflow.Options, seed int64) error {
	mod, err := asm.ParseFile(inPath)
	if err != nil {
		return errors.WithMessagef(err, "parse %s", inPath)
	}
	rng := ctrlflow.NewRand(seed)
	dbg.Printf("seed %d", rng.Seed())

	if err := ctrlflow.Obfuscate(mod, opts, rng); err != nil {
		return err
	}
	dbg.Printf("flattened module, %d functions", len(mod.Funcs))

	// Serialize fully before touching the output path, so a transform or
	// print failure never leaves a truncated file behind.
	out := mod.String()
	if err := os.WriteFile(outPath, []byte(out), 0o666); err != nil {
		return errors.WithMessagef(err, "write %s", outPath)
	}
	return nil
}
