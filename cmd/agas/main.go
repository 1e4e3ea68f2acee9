package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xyproto/env/v2"
	"gitlab.com/stephen-fox/aslrguard/config"
	"gitlab.com/stephen-fox/aslrguard/rewrite"
)

const (
	helpArg = "h"

	verboseEnv = "AG_VERBOSE"

	appName = "agas"
	usage   = appName + `
Rewrites a compiler-generated x86-64 assembly file in place so that code
pointers are stored encoded and the real stack pointer is only used by
generated code. The rewritten file can optionally be copied to a mirror
path for inspection.

Rewriting a file twice has no effect. Set ` + verboseEnv + `=true to log
what was rewritten.

The protections are selected when the program is built. Current settings:
  EncodeCodePointers: %s
  SafeStack:          %s
  NonceSource:        %s
  FramePointer:       %s

usage:
` + appName + ` INPUT.s [MIRROR.s]

options:
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this help page")

	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, usage, config.EncodeCodePointers,
			config.SafeStack, config.NonceSource, config.FramePointer)
		flag.PrintDefaults()
		os.Exit(1)
	}

	var inputPath string
	var mirrorPath string

	switch flag.NArg() {
	case 1:
		inputPath = flag.Arg(0)
	case 2:
		inputPath = flag.Arg(0)
		mirrorPath = flag.Arg(1)
	default:
		return fmt.Errorf("please specify an input file and optionally a mirror file (see -%s)",
			helpArg)
	}

	var verbose *log.Logger
	if env.Bool(verboseEnv) {
		verbose = log.New(os.Stderr, appName+": ", 0)
	}

	rewriteConfig, err := config.Build(verbose)
	if err != nil {
		return err
	}

	rewriter, err := rewrite.New(rewriteConfig)
	if err != nil {
		return err
	}

	err = rewriter.RewriteFile(inputPath, mirrorPath)
	if err != nil {
		return fmt.Errorf("failed to rewrite %s - %w", inputPath, err)
	}

	return nil
}
