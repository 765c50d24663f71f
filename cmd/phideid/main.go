// Command phideid finds protected health information in clinical text and
// rewrites it under a de-identification policy.
//
// Detection runs the enabled tiers (regex patterns, an NER sidecar, a local
// Ollama model), optionally re-checks ambiguous spans with the model, and
// merges overlapping detections into one non-overlapping set per text.
//
// Usage:
//
//	# Resolved annotations as JSON
//	phideid detect note.txt
//
//	# Pseudonymize stdin
//	cat note.txt | phideid anonymize --policy pseudonymize
//
//	# One text per line (plain or {"text": ...}), one JSON result per line
//	phideid batch notes.jsonl --anonymize
//
//	# Management API only
//	PHI_MANAGEMENT_TOKEN=secret phideid serve
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/config"
	"phi-deid/internal/logger"
	"phi-deid/internal/management"
	"phi-deid/internal/phi"
	"phi-deid/internal/pipeline"
)

const (
	// maxLineBytes bounds a single batch input line.
	maxLineBytes = 10 << 20
	// batchChunk is the number of texts read per worker before results are written.
	batchChunk = 64
)

type options struct {
	configPath string
	logLevel   string
	noCache    bool
	policy     string
	anonymize  bool
	textOnly   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "phideid",
		Short: "Detect and de-identify PHI in clinical text",
		Long: `phideid detects protected health information (PHI) in free text and
rewrites it under one of four policies:

  safe_harbor   replace each span with a category placeholder, e.g. [NAME]
  pseudonymize  replace each span with a stable, format-preserving fake value
  redact        remove each span
  tag           replace each span with a numbered tag, e.g. [NAME:1]

Configuration is read from phideid.json (or --config), .env and PHI_*
environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (JSON, or YAML by extension)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&opts.noCache, "no-cache", false, "bypass the detection result cache")

	detectCmd := &cobra.Command{
		Use:   "detect [file]",
		Short: "Print the resolved PHI annotations of a text as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error { return runDetect(cmd, a, opts, args) })
		},
	}

	anonymizeCmd := &cobra.Command{
		Use:   "anonymize [file]",
		Short: "Rewrite a text under a policy and print it with statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error { return runAnonymize(cmd, a, opts, args) })
		},
	}
	anonymizeCmd.Flags().StringVarP(&opts.policy, "policy", "p", "", "safe_harbor, pseudonymize, redact or tag (default from config)")
	anonymizeCmd.Flags().BoolVar(&opts.textOnly, "text-only", false, "print only the rewritten text")

	batchCmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Process one text per input line, writing one JSON result per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error { return runBatch(cmd, a, opts, args) })
		},
	}
	batchCmd.Flags().BoolVarP(&opts.anonymize, "anonymize", "a", false, "also rewrite each text")
	batchCmd.Flags().StringVarP(&opts.policy, "policy", "p", "", "policy used with --anonymize (default from config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error { return runServe(cmd, a) })
		},
	}

	root.AddCommand(detectCmd, anonymizeCmd, batchCmd, serveCmd)
	return root
}

// withApp loads configuration, builds the app, runs fn and releases the app.
func withApp(cmd *cobra.Command, opts *options, fn func(*app) error) error {
	cfg := config.Load(opts.configPath)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.noCache {
		cfg.CacheEnabled = false
	}
	log := logger.New("PHIDEID", cfg.LogLevel)
	defer log.Sync() //nolint:errcheck // stderr sync errors are not actionable

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warnf("close", "%v", err)
		}
	}()
	return fn(a)
}

// readInput returns the contents of args[0], or of stdin when no file is given.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied input path
	return string(b), err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDetect(cmd *cobra.Command, a *app, opts *options, args []string) error {
	text, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	res, err := a.pipeline.Detect(cmd.Context(), text, !opts.noCache)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func runAnonymize(cmd *cobra.Command, a *app, opts *options, args []string) error {
	text, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	res, err := a.pipeline.Detect(cmd.Context(), text, !opts.noCache)
	if err != nil {
		return err
	}
	out, err := a.pipeline.Anonymize(a.engine, anonymizer.Policy(opts.policy), text, res.Annotations)
	if err != nil {
		return err
	}
	if opts.textOnly {
		_, err = fmt.Fprint(cmd.OutOrStdout(), out.Text)
		return err
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		anonymizer.Output
		Failures []phi.ProviderFailure `json:"failures,omitempty"`
	}{out, res.Failures})
}

// batchLine is one line of batch output.
type batchLine struct {
	Index       int                    `json:"index"`
	Annotations phi.ResolvedSet        `json:"annotations"`
	Failures    []phi.ProviderFailure  `json:"failures,omitempty"`
	Cached      bool                   `json:"cached"`
	Text        *string                `json:"text,omitempty"`
	Stats       *anonymizer.Statistics `json:"statistics,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// scanBatch splits input into texts, one per non-empty line, where a line
// that is a JSON object contributes its "text" field. Texts are handed to fn
// in chunks of at most size, together with the index of the chunk's first text.
func scanBatch(r io.Reader, size int, fn func(offset int, texts []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	chunk := make([]string, 0, size)
	offset := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(offset, chunk); err != nil {
			return err
		}
		offset += len(chunk)
		chunk = chunk[:0]
		return nil
	}
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			var obj struct {
				Text *string `json:"text"`
			}
			if err := json.Unmarshal([]byte(line), &obj); err != nil || obj.Text == nil {
				return fmt.Errorf("line %d: expected {\"text\": ...}", n)
			}
			line = *obj.Text
		}
		chunk = append(chunk, line)
		if len(chunk) == size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func runBatch(cmd *cobra.Command, a *app, opts *options, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0]) // #nosec G304 -- operator-supplied input path
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // read-only file
		in = f
	}

	ctx := cmd.Context()
	enc := json.NewEncoder(cmd.OutOrStdout())
	total, failed := 0, 0
	write := func(l batchLine) error {
		if l.Error != "" {
			failed++
		}
		return enc.Encode(l)
	}
	err := scanBatch(in, batchChunk*a.pipeline.Workers(), func(offset int, texts []string) error {
		total += len(texts)
		if opts.anonymize {
			for _, r := range a.pipeline.BatchAnonymize(ctx, texts, !opts.noCache, a.engine, anonymizer.Policy(opts.policy)) {
				l := toLine(offset, r.BatchResult)
				if r.Err == nil {
					l.Text = &r.Output.Text
					l.Stats = &r.Output.Stats
				}
				if err := write(l); err != nil {
					return err
				}
			}
			return nil
		}
		for _, r := range a.pipeline.BatchDetect(ctx, texts, !opts.noCache) {
			if err := write(toLine(offset, r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d texts failed", failed, total)
	}
	return nil
}

func toLine(offset int, r pipeline.BatchResult) batchLine {
	l := batchLine{
		Index:       offset + r.Index,
		Annotations: r.Result.Annotations,
		Failures:    r.Result.Failures,
		Cached:      r.Result.Cached,
	}
	if l.Annotations == nil {
		l.Annotations = phi.ResolvedSet{}
	}
	if r.Err != nil {
		l.Error = r.Err.Error()
	}
	return l
}

func runServe(cmd *cobra.Command, a *app) error {
	printBanner(cmd.OutOrStdout(), a)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := management.New(a.cfg, a.pipeline, a.engine, a.metrics, a.log.Named("MANAGEMENT"))
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printBanner(w io.Writer, a *app) {
	store := a.cfg.PseudonymStore
	if store == "" {
		store = "(memory; pseudonyms are lost on exit)"
	}
	validator := a.pipeline.ValidatorName()
	if validator == "" {
		validator = "(disabled)"
	}
	fmt.Fprintf(w, `
  phideid management API
  ----------------------
  Listening       : %s
  Policy          : %s
  Session         : %s
  Providers       : %s
  Validator       : %s
  Workers         : %d
  Pseudonym store : %s
  Ollama          : %s (%s)

  Check status:
    curl http://%s/status
`, a.cfg.ManagementAddr(), a.engine.Policy(), a.engine.SessionID(),
		strings.Join(a.pipeline.Providers(), ", "), validator, a.pipeline.Workers(), store,
		a.cfg.OllamaEndpoint, a.cfg.OllamaModel, a.cfg.ManagementAddr())
}
