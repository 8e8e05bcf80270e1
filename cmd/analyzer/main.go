// Command analyzer scores fitness test sessions.
//
//	analyzer [flags] batch <path|url> <testType>
//	analyzer [flags] stream <testType>
//	analyzer [flags] replay <trace.jsonl> [testType]
//
// Results go to stdout, one per line; logs go to stderr. A fatal error is
// printed as {"error": "..."} and the exit status is 1.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/config"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/service"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintln(out, "usage:")
		fmt.Fprintln(out, "  analyzer [flags] batch <path|url> <testType>")
		fmt.Fprintln(out, "  analyzer [flags] stream <testType>")
		fmt.Fprintln(out, "  analyzer [flags] replay <trace.jsonl> [testType]")
		fmt.Fprintln(out, "flags:")
		fs.PrintDefaults()
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	cfg := config.DefaultConfig()
	cfg.LoadEnv()
	fs := flag.NewFlagSet("analyzer", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	fs.Usage = usage(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		return fail(stdout, err)
	}
	if _, err := cfg.InitLogger(); err != nil {
		return fail(stdout, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, rest := rest[0], rest[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	format, _ := cfg.OutputFormat()
	emitter := runner.NewEmitter(stdout, format)

	svc, stopWorker, err := service.FromConfig(cfg, metrics.New())
	if err != nil {
		return fail(stdout, err)
	}
	defer stopWorker()

	switch {
	case cmd == "batch" && len(rest) == 2:
		logger.Info("Main", "analyzing %s as %s", rest[0], rest[1])
		res, err := svc.AnalyzeVideo(ctx, rest[0], rest[1])
		if err != nil {
			return fail(stdout, err)
		}
		return emit(emitter, stdout, res)

	case cmd == "stream" && len(rest) == 1:
		logger.Info("Main", "streaming %s from stdin", rest[0])
		sum, err := svc.Stream(ctx, stdin, rest[0], emitter.Emit)
		if err != nil {
			return fail(stdout, err)
		}
		logger.Info("Main", "stream ended: %d lines, %d results, %d skipped", sum.Lines, sum.Emitted, sum.Skipped)
		return 0

	case cmd == "replay" && (len(rest) == 1 || len(rest) == 2):
		testType := ""
		if len(rest) == 2 {
			testType = rest[1]
		}
		res, err := svc.Replay(ctx, rest[0], testType)
		if err != nil {
			return fail(stdout, err)
		}
		return emit(emitter, stdout, res)
	}

	fs.Usage()
	return 2
}

func emit(e *runner.Emitter, stdout io.Writer, res analysis.Result) int {
	if err := e.Emit(res); err != nil {
		return fail(stdout, err)
	}
	return 0
}

func fail(stdout io.Writer, err error) int {
	logger.Error("Main", "%v", err)
	apperr.WriteJSON(stdout, err)
	return 1
}
