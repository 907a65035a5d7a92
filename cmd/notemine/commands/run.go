package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/notemine/internal/config"
	"github.com/jmylchreest/notemine/internal/input"
	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/internal/metrics"
	"github.com/jmylchreest/notemine/internal/output"
	"github.com/jmylchreest/notemine/pkg/batch"
	"github.com/jmylchreest/notemine/pkg/extractor"
	"github.com/jmylchreest/notemine/pkg/llm"
	"github.com/jmylchreest/notemine/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run INPUT",
	Short: "Extract fields from every note in INPUT",
	Long: `Run reads notes from INPUT and appends one result line per note to the
output file.

INPUT is a .jsonl file (one {"id", "text"} object per line), a .csv file
with id and text columns, or a directory of .txt, .md and .html files.

A note that cannot be extracted after all attempts is still written, with
status "failed" and the last error. Interrupting the run (Ctrl-C) keeps
every line already written; --resume skips those ids next time.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	d := config.Defaults()

	flags.StringP("schema", "s", "", "path to schema file (required)")
	flags.StringSlice("elements", nil, "extract only these schema elements")
	flags.String("id-field", "id", "id column or key in the input")
	flags.String("text-field", "text", "text column or key in the input")

	// LLM settings
	flags.StringP("provider", "p", "", "LLM provider: "+providerList()+" (auto-detects from env vars)")
	flags.StringP("model", "m", "", "model name (provider-specific)")
	flags.StringP("api-key", "k", "", "API key (or use env var)")
	flags.String("base-url", "", "custom API base URL")
	flags.Duration("timeout", d.Timeout, "per-request timeout")
	flags.Float64("temperature", d.Temperature, "sampling temperature")
	flags.Int("max-tokens", d.MaxTokens, "max completion tokens per request")
	flags.String("max-content-size", d.MaxContentSize, "truncate notes above this size (e.g., 100KB, 1MB, 0=unlimited)")
	flags.Int("rate-limit-rpm", 0, "max requests per minute across all lanes (0=unlimited)")
	flags.Bool("json-schema", d.JSONSchema, "send the schema as a structured-output constraint")
	flags.Bool("strict", false, "request strict structured output where supported")
	flags.Bool("include-raw", false, "store the last raw model response in each result")

	// Run settings
	flags.IntP("concurrency", "c", d.Concurrency, "notes processed at once")
	flags.Int("max-attempts", d.MaxAttempts, "attempts per note, including the first")
	flags.Duration("backoff-base", d.Backoff.Base, "delay before the first retry")
	flags.Float64("backoff-multiplier", d.Backoff.Multiplier, "growth factor between retries")
	flags.Duration("backoff-cap", d.Backoff.Cap, "longest delay between retries (0=uncapped)")
	flags.Float64("backoff-jitter", d.Backoff.Jitter, "random spread applied to each delay, as a fraction")

	// Output settings
	flags.StringP("output", "o", d.Output, "JSONL output file")
	flags.Bool("overwrite", false, "truncate the output file instead of appending")
	flags.Bool("resume", false, "skip notes whose id is already in the output file")
	flags.Int("total", 0, "expected note count for progress (default: count the input)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g., :9090)")

	_ = runCmd.MarkFlagRequired("schema")
}

func providerList() string {
	return strings.Join(llm.AvailableProviders(), ", ")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	schemaPath := v.GetString("schema")
	logger.Debug("loading schema", "path", schemaPath)
	s, err := schema.FromFile(schemaPath)
	if err != nil {
		return err
	}
	if len(cfg.Elements) > 0 {
		if s, err = s.Subset(cfg.Elements...); err != nil {
			return err
		}
	}
	logger.Debug("schema loaded", "name", s.Name, "elements", len(s.Elements))

	provider, err := llm.NewProvider(cfg.Provider, cfg.ProviderConfig())
	if err != nil {
		return fmt.Errorf("creating %s provider: %w", cfg.Provider, err)
	}
	provider = llm.NewRateLimited(provider, cfg.RateLimitRPM)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	opts := append(cfg.ExtractorOptions(), extractor.WithObserver(m))
	x, err := extractor.New(provider, s, opts...)
	if err != nil {
		return err
	}

	inputOpts := input.Options{
		IDField:   v.GetString("id_field"),
		TextField: v.GetString("text_field"),
	}
	src, done, err := openInput(args[0], inputOpts, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	bc := cfg.BatchConfig()
	if bc.Total == 0 {
		bc.Total, err = countInput(ctx, args[0], inputOpts, done)
		if err != nil {
			return err
		}
	}

	engine, err := batch.New(x, bc, batch.WithProgress(m.OnProgress))
	if err != nil {
		return err
	}

	logger.Info("starting extraction",
		"input", args[0],
		"notes", bc.Total,
		"skipped", len(done),
		"extractor", x.String(),
		"concurrency", bc.Concurrency)

	stream, err := engine.Stream(ctx, src)
	if err != nil {
		return err
	}

	progress := newProgressLine(cfg.Log.Quiet)
	var runErr error
	for res, err := range stream.All(ctx) {
		if err != nil {
			runErr = err
			break
		}
		m.ObserveResult(res)
		if !res.OK() {
			logger.Warn("note failed", "note_id", res.ID, "kind", res.Error.Kind, "attempts", res.Attempts, "error", res.Error.Message)
		}
		progress.update(stream.Progress())
	}
	snap := stream.Progress()
	progress.finish(snap)

	if errors.Is(runErr, context.Canceled) {
		logInfo("interrupted: %s notes written to %s; rerun with --resume to continue",
			humanize.Comma(int64(snap.Completed)), cfg.Output)
		return nil
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("extraction complete",
		"run_id", stream.RunID,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"elapsed", snap.Elapsed.Round(time.Millisecond))
	return nil
}

// openInput opens the note source, skipping ids already written when
// resuming. It returns the skipped ids.
func openInput(path string, opts input.Options, cfg config.Config) (input.Reader, map[string]struct{}, error) {
	r, err := input.Open(path, opts)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Resume {
		return r, nil, nil
	}

	done, err := output.ReadIDs(cfg.Output)
	if err != nil {
		_ = r.Close()
		return nil, nil, fmt.Errorf("reading completed ids: %w", err)
	}
	if len(done) > 0 {
		logger.Info("resuming", "already_done", len(done), "output", cfg.Output)
	}
	return resumed{Source: input.Exclude(r, done), Closer: r}, done, nil
}

type resumed struct {
	batch.Source
	io.Closer
}

// countInput makes a separate pass over the input to size the progress bar.
func countInput(ctx context.Context, path string, opts input.Options, done map[string]struct{}) (int, error) {
	r, err := input.Open(path, opts)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return input.Count(ctx, input.Exclude(r, done))
}

// progressLine redraws a single status line on stderr, at most a few
// times per second.
type progressLine struct {
	quiet bool
	tty   bool
	last  time.Time
}

func newProgressLine(quiet bool) *progressLine {
	info, err := os.Stderr.Stat()
	return &progressLine{
		quiet: quiet,
		tty:   err == nil && info.Mode()&os.ModeCharDevice != 0,
	}
}

func (p *progressLine) update(s batch.Snapshot) {
	if p.quiet || time.Since(p.last) < 250*time.Millisecond {
		return
	}
	p.last = time.Now()
	p.print(s, false)
}

func (p *progressLine) finish(s batch.Snapshot) {
	if p.quiet {
		return
	}
	p.print(s, true)
}

func (p *progressLine) print(s batch.Snapshot, final bool) {
	line := fmt.Sprintf("%s notes", humanize.Comma(int64(s.Completed)))
	if f := s.Fraction(); f >= 0 {
		line = fmt.Sprintf("%s/%s notes (%.0f%%)", humanize.Comma(int64(s.Completed)), humanize.Comma(int64(s.Total)), f*100)
	}
	line += fmt.Sprintf(", %s failed, %d in flight, %s", humanize.Comma(int64(s.Failed)), s.InFlight(), s.Elapsed.Round(time.Second))

	switch {
	case p.tty && !final:
		fmt.Fprintf(os.Stderr, "\r\033[K%s", line)
	case p.tty:
		fmt.Fprintf(os.Stderr, "\r\033[K%s\n", line)
	case final:
		fmt.Fprintln(os.Stderr, line)
	}
}
