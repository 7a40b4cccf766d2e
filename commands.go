package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/getsentry/sentry-go"
	"github.com/hannes/yaak-anon/config"
	"github.com/hannes/yaak-anon/pii"
	detectors "github.com/hannes/yaak-anon/pii/detectors"
	"github.com/hannes/yaak-anon/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// outputSuffix replaces the input's extension when no output path is given.
const outputSuffix = ".anon"

type rootOptions struct {
	configPath string
	detector   string
	modelURL   string
	words      []string
	wordsFile  string
	regex      string
	fuzzy      bool
	threshold  int
	mode       string
	logLevel   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "anon",
		Short: "Anonymize personal data in plain text",
		Long: `anon replaces names, organizations, places and dates in plain text with
placeholders. Entities come from a NER model; custom words (optionally matched
fuzzily) and a regular expression add further redactions.

Example:
  anon anonymize brief.txt
  anon anonymize brief.txt - --words "Müller,ACME" --mode per-category
  anon batch --regex '\d{4}' akten/*.txt
  anon serve`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a JSON, YAML or TOML config file")
	flags.StringVar(&opts.detector, "detector", "", "Entity source: onnx_model_detector, model_detector, regex_detector or static_detector")
	flags.StringVar(&opts.modelURL, "model-url", "", "Base URL of the NER sidecar for model_detector")
	flags.StringSliceVar(&opts.words, "words", nil, "Custom words to redact (comma separated)")
	flags.StringVar(&opts.wordsFile, "words-file", "", "File with one custom word per line")
	flags.StringVar(&opts.regex, "regex", "", "Redact tokens matching this regular expression")
	flags.BoolVar(&opts.fuzzy, "fuzzy", false, "Match custom words fuzzily")
	flags.IntVar(&opts.threshold, "threshold", pii.DefaultFuzzyThreshold, "Fuzzy similarity threshold (0-100)")
	flags.StringVar(&opts.mode, "mode", string(pii.PlaceholderUniform), "Placeholder mode: uniform or per-category")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&opts.verbose, "verbose", false, "Log every redacted token at debug level")

	root.AddCommand(newAnonymizeCmd(opts), newBatchCmd(opts), newServeCmd(opts))
	return root
}

// loadConfig applies config file, environment and explicitly set flags, in
// that order, and validates the result.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", pii.ErrInvalidConfiguration, err)
	}

	flags := cmd.Flags()
	if flags.Changed("detector") {
		cfg.DetectorName = opts.detector
	}
	if flags.Changed("model-url") {
		cfg.ModelBaseURL = opts.modelURL
	}
	if flags.Changed("words") {
		cfg.Anonymizer.CustomWords = append(cfg.Anonymizer.CustomWords, opts.words...)
	}
	if flags.Changed("words-file") {
		cfg.Anonymizer.CustomWordsFile = opts.wordsFile
	}
	if flags.Changed("regex") {
		cfg.Anonymizer.RegexPattern = opts.regex
	}
	if flags.Changed("fuzzy") {
		cfg.Anonymizer.FuzzyEnabled = opts.fuzzy
	}
	if flags.Changed("threshold") {
		cfg.Anonymizer.FuzzyThreshold = opts.threshold
	}
	if flags.Changed("mode") {
		cfg.Anonymizer.PlaceholderMode = opts.mode
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("verbose") {
		cfg.Logging.LogVerbose = opts.verbose
	}

	if cfg.Anonymizer.CustomWordsFile != "" {
		words, err := config.LoadCustomWords(cfg.Anonymizer.CustomWordsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pii.ErrInvalidConfiguration, err)
		}
		cfg.Anonymizer.CustomWords = append(cfg.Anonymizer.CustomWords, words...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime bundles the long-lived components shared by all commands.
type runtime struct {
	cfg        *config.Config
	logger     *log.Logger
	models     *pii.ModelManager
	store      pii.RunStore
	anonymizer *pii.Anonymizer
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger, requireModel bool) (*runtime, error) {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			logger.Warn("failed to initialize sentry", "err", err)
		}
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	if cfg.DetectorName == detectors.DetectorNameONNXModel {
		if err := ensureModelFiles(modelFiles, cfg.ModelDirectory, logger); err != nil {
			logger.Warn("failed to extract embedded model files", "err", err)
		}
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.models = pii.NewModelManager(cfg.DetectorName, cfg.ModelDirectory, cfg.DetectorSettings(), logger)
	if requireModel && !rt.models.IsHealthy() {
		err := fmt.Errorf("%w: %v", pii.ErrEntitySource, rt.models.GetLastError())
		reportFailure(sentry.CurrentHub(), err)
		rt.Close()
		return nil, err
	}

	if cfg.Database.Enabled {
		store, err := pii.NewRunStore(ctx, cfg.StoreConfig())
		if err != nil {
			logger.Warn("audit storage unavailable, runs will not be recorded", "err", err)
		} else {
			rt.store = store
			if cfg.Database.CleanupHours > 0 {
				removed, err := store.CleanupOldRuns(ctx, time.Duration(cfg.Database.CleanupHours)*time.Hour)
				if err != nil {
					logger.Warn("failed to clean up old runs", "err", err)
				} else if removed > 0 {
					logger.Info("cleaned up old runs", "removed", removed)
				}
			}
		}
	}

	anonymizerOpts := []pii.AnonymizerOption{
		pii.WithLogger(logger),
		pii.WithVerboseLogging(cfg.Logging.LogVerbose),
	}
	if rt.store != nil {
		anonymizerOpts = append(anonymizerOpts, pii.WithRunStore(rt.store))
	}
	rt.anonymizer, err = pii.NewAnonymizer(rt.models, opts, pii.LevenshteinSimilarity{}, anonymizerOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the model, the audit store and the ONNX runtime, and
// flushes pending Sentry events.
func (rt *runtime) Close() {
	if err := rt.models.Close(); err != nil {
		rt.logger.Warn("failed to close model", "err", err)
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("failed to close audit store", "err", err)
		}
	}
	if rt.cfg.DetectorName == detectors.DetectorNameONNXModel {
		if err := detectors.ShutdownRuntime(); err != nil {
			rt.logger.Warn("failed to shut down onnx runtime", "err", err)
		}
	}
	sentry.Flush(2 * time.Second)
}

func setup(cmd *cobra.Command, opts *rootOptions, requireModel bool) (*runtime, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	return newRuntime(cmd.Context(), cfg, logger, requireModel)
}

func newAnonymizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "anonymize <input> [output]",
		Short: "Anonymize one text file",
		Long: `Anonymize one UTF-8 text file. The output defaults to the input path with
its extension replaced by .anon (brief.txt -> brief.anon); use - to write to
standard output.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := defaultOutputPath(args[0])
			if len(args) == 2 {
				output = args[1]
			}
			if output != "-" && samePath(output, args[0]) {
				return fmt.Errorf("%w: output %s would overwrite the input", pii.ErrInvalidConfiguration, output)
			}

			rt, err := setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := anonymizeFile(cmd.Context(), rt.anonymizer, args[0], output, cmd.OutOrStdout())
			if err != nil {
				reportFailure(sentry.CurrentHub(), err)
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), summary)
			return nil
		},
	}
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "batch <inputs...>",
		Short: "Anonymize many text files concurrently",
		Long: `Anonymize every input file with one shared model. Each output is written
next to its input with the extension replaced by .anon, or into --out-dir.
Inputs whose outputs would collide are rejected before anything runs. The
first failure stops the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputs, err := batchOutputs(args, outDir)
			if err != nil {
				return err
			}

			rt, err := setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0750); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
			}

			stats, err := runBatch(cmd.Context(), rt.anonymizer, args, outputs, rt.cfg.Concurrency, rt.logger)
			if err != nil {
				reportFailure(sentry.CurrentHub(), err)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Anonymized %d files (%s), %d of %d tokens redacted\n",
				stats.files, humanize.Bytes(uint64(stats.bytes)), stats.redacted, stats.tokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Write outputs into this directory instead of next to the inputs")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the anonymization HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if rt.cfg.Server.WatchModel && rt.cfg.DetectorName == detectors.DetectorNameONNXModel {
				go func() {
					if err := rt.models.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
						rt.logger.Error("model watcher stopped", "err", err)
					}
				}()
			}

			srv := server.NewServer(rt.cfg, rt.anonymizer, rt.models, rt.store, rt.logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				rt.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}

func defaultOutputPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + outputSuffix
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// batchOutputs maps every input to its output path. Two inputs sharing an
// output, or an output that is itself one of the inputs, is a configuration
// error: one document would silently replace another.
func batchOutputs(inputs []string, outDir string) ([]string, error) {
	outputs := make([]string, len(inputs))
	owners := make(map[string]string, len(inputs))
	for i, input := range inputs {
		output := defaultOutputPath(input)
		if outDir != "" {
			output = filepath.Join(outDir, filepath.Base(output))
		}
		key, err := filepath.Abs(output)
		if err != nil {
			key = filepath.Clean(output)
		}
		if other, ok := owners[key]; ok {
			return nil, fmt.Errorf("%w: %s and %s would both be written to %s",
				pii.ErrInvalidConfiguration, other, input, output)
		}
		owners[key] = input
		outputs[i] = output
	}
	for _, input := range inputs {
		for _, output := range outputs {
			if samePath(input, output) {
				return nil, fmt.Errorf("%w: output %s would overwrite an input", pii.ErrInvalidConfiguration, output)
			}
		}
	}
	return outputs, nil
}

// anonymizeFile reads input, anonymizes it and writes output ("-" is stdout).
// Nothing is written when anonymization fails.
func anonymizeFile(ctx context.Context, a *pii.Anonymizer, input, output string, stdout io.Writer) (string, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", input, err)
	}

	result, err := a.AnonymizeDocument(ctx, input, string(data))
	if err != nil {
		return "", fmt.Errorf("%s: %w", input, err)
	}

	if output == "-" {
		if _, err := io.WriteString(stdout, result.Text); err != nil {
			return "", err
		}
	} else if err := os.WriteFile(output, []byte(result.Text), 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", output, err)
	}

	return fmt.Sprintf("%s (%s): %d of %d tokens redacted -> %s",
		input, humanize.Bytes(uint64(len(data))), result.RedactedCount, result.TokenCount, output), nil
}

type batchStats struct {
	files    int
	bytes    int64
	tokens   int
	redacted int
}

// runBatch anonymizes inputs[i] into outputs[i].
func runBatch(ctx context.Context, a *pii.Anonymizer, inputs, outputs []string, concurrency int, logger *log.Logger) (batchStats, error) {
	var (
		mu    sync.Mutex
		stats batchStats
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, input := range inputs {
		output := outputs[i]
		g.Go(func() error {
			data, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", input, err)
			}
			result, err := a.AnonymizeDocument(ctx, input, string(data))
			if err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
			if err := os.WriteFile(output, []byte(result.Text), 0600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			logger.Debug("anonymized file", "input", input, "output", output, "redacted", result.RedactedCount)

			mu.Lock()
			stats.files++
			stats.bytes += int64(len(data))
			stats.tokens += result.TokenCount
			stats.redacted += result.RedactedCount
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// ensureModelFiles extracts embedded model files into dir when the binary was
// built with them and dir does not hold a model yet.
func ensureModelFiles(modelFS embed.FS, dir string, logger *log.Logger) error {
	if _, err := os.Stat(filepath.Join(dir, "model_quantized.onnx")); err == nil {
		return nil
	}
	entries, err := fs.ReadDir(modelFS, "model")
	if err != nil || len(entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	logger.Info("extracting embedded model files", "directory", dir)
	return fs.WalkDir(modelFS, "model", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := modelFS.ReadFile(path)
		if err != nil {
			return err
		}
		targetPath := filepath.Join(dir, filepath.Base(path))
		if err := os.WriteFile(targetPath, content, 0600); err != nil {
			return err
		}
		logger.Debug("extracted model file", "path", targetPath, "size", humanize.Bytes(uint64(len(content))))
		return nil
	})
}

// reportFailure sends entity-source failures to Sentry. Configuration and
// pattern errors are the caller's to fix and are not reported.
func reportFailure(hub *sentry.Hub, err error) {
	if err != nil && errors.Is(err, pii.ErrEntitySource) {
		hub.CaptureException(err)
	}
}

// exitCode maps the sentinel errors onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pii.ErrInvalidConfiguration), errors.Is(err, pii.ErrInvalidPattern):
		return 2
	case errors.Is(err, pii.ErrEntitySource):
		return 3
	default:
		return 1
	}
}
