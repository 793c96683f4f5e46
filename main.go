package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"ortavm/vm"
)

const versionString = "ortavm 0.1.0"

var (
	flagNoPreproc        = flag.Bool("nopreproc", false, "skip the preprocessor, parse the raw file")
	flagKeepPreprocessed = flag.Bool("notdeletepreprocessed", false, "keep the temporary .pre.x artifact produced by the preprocessor")
	flagDisableCompile   = flag.Bool("disable-compile", false, "do not write a .xbin after executing a source file")
	flagOnlyCompile      = flag.Bool("only-compile", false, "compile a source file to .xbin and do not execute")
	flagDebug            = flag.Bool("debug", false, "print stack and register state after termination")
	flagVersion          = flag.Bool("version", false, "print the version and exit")
)

// init parses flags the way the teacher's package-level flag.Bool vars plus
// a single flag.Parse() in init does, before main ever looks at os.Args.
func init() {
	flag.Usage = printUsage
	flag.Parse()
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: ortavm [flags] <file.x|file.xbin>")
	flag.PrintDefaults()
}

func newLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if *flagDebug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func main() {
	if *flagVersion {
		fmt.Println(versionString)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	path := args[0]
	log := newLogger()

	var prog *vm.Program
	var err error

	switch {
	case strings.HasSuffix(path, ".xbin"):
		codec := vm.NewImageCodec(log)
		prog, err = codec.LoadFile(path)
	default:
		prog, err = compileSourceFile(log, path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *flagOnlyCompile {
		return
	}

	var exitCode int
	if *flagDebug {
		var summary string
		exitCode, summary = vm.RunFileDebug(prog, log)
		fmt.Print(summary)
	} else {
		exitCode = vm.RunFile(prog, log)
	}
	os.Exit(exitCode)
}

// compileSourceFile drives the preprocess/parse pipeline, honoring
// --nopreproc/--notdeletepreprocessed/--disable-compile per §6, and writes
// a sibling .xbin image unless execution-only compilation was requested.
func compileSourceFile(log logrus.FieldLogger, path string) (*vm.Program, error) {
	prog, err := vm.CompileSource(log, path, *flagNoPreproc)
	if err != nil {
		return nil, err
	}

	if *flagKeepPreprocessed && !*flagNoPreproc {
		if err := vm.WritePreprocessedArtifact(log, path); err != nil {
			log.WithError(err).Warn("failed to write preprocessed artifact")
		}
	}

	if !*flagDisableCompile {
		imagePath := strings.TrimSuffix(path, filepath.Ext(path)) + ".xbin"
		codec := vm.NewImageCodec(log)
		if err := codec.SaveFile(imagePath, prog); err != nil {
			log.WithError(err).Warn("failed to write compiled image")
		}
	}

	return prog, nil
}
