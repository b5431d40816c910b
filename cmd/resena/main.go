package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-resena/internal/generate"
	"github.com/23skdu/quarrel-resena/internal/logger"
	"github.com/23skdu/quarrel-resena/internal/metrics"
	"github.com/23skdu/quarrel-resena/internal/trace"
)

const resenaLongDesc string = `Generate a product review with a fine-tuned causal language model.

The checkpoint is a GGUF file with its tokenizer embedded. --model may
point at the file, at a directory holding it, or name an Ollama model.
Without flags the command loads ./results and writes a review for the
built-in Samsung Galaxy S21 request.

Examples:
  resena
  resena --model ./results --seed 42
  resena --model resena:latest --num-sequences 3 --trace-out steps.arrow
  resena --greedy --prompt "$(cat request.txt)"`

const resenaShortDesc string = "Generate a review from a fine-tuned model"

type resenaCommander struct {
	modelPath   string
	prompt      string
	gen         generate.GenerationConfig
	greedy      bool
	threads     int
	logLevel    string
	logFormat   string
	traceOut    string
	metricsFile string
}

func newRootCmd() *cobra.Command {
	cmder := &resenaCommander{gen: generate.DefaultGenerationConfig()}

	cmd := &cobra.Command{
		Use:           "resena",
		Short:         resenaShortDesc,
		Long:          resenaLongDesc,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cmder.modelPath, "model", "m", "./results", "Checkpoint file, directory or Ollama model name")
	f.StringVarP(&cmder.prompt, "prompt", "p", generate.DefaultPrompt, "Prompt to continue")
	f.IntVar(&cmder.gen.MaxLength, "max-length", cmder.gen.MaxLength, "Total tokens per sequence, prompt included")
	f.IntVarP(&cmder.gen.NumSequences, "num-sequences", "n", cmder.gen.NumSequences, "Number of sequences to sample")
	f.Float64Var(&cmder.gen.Temperature, "temperature", cmder.gen.Temperature, "Sampling temperature")
	f.IntVar(&cmder.gen.TopK, "top-k", cmder.gen.TopK, "Keep the k most likely tokens (0 disables)")
	f.Float64Var(&cmder.gen.TopP, "top-p", cmder.gen.TopP, "Nucleus sampling mass")
	f.Float64Var(&cmder.gen.RepetitionPenalty, "repetition-penalty", cmder.gen.RepetitionPenalty, "Penalty for tokens already in the sequence (1 disables)")
	f.Int64Var(&cmder.gen.Seed, "seed", cmder.gen.Seed, "Random seed, -1 for a fresh one")
	f.BoolVar(&cmder.greedy, "greedy", false, "Always pick the most likely token")
	f.IntVar(&cmder.threads, "threads", 0, "Worker goroutines for the kernels (0 uses every CPU)")
	f.StringVar(&cmder.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&cmder.logFormat, "log-format", "console", "Log format: console or json")
	f.StringVar(&cmder.traceOut, "trace-out", "", "Write every sampled token to this Arrow IPC file")
	f.StringVar(&cmder.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")

	return cmd
}

func (c *resenaCommander) run(ctx context.Context, out io.Writer) (err error) {
	logger.Setup(c.logLevel, c.logFormat)
	c.gen.DoSample = !c.greedy

	if c.metricsFile != "" {
		defer func() {
			if werr := metrics.WriteTextfile(c.metricsFile); werr != nil && err == nil {
				err = fmt.Errorf("write metrics: %w", werr)
			}
		}()
	}

	// Reject bad settings before paying for the load.
	if err := c.gen.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Cargando modelo y tokenizer desde '%s'...\n", filepath.Clean(c.modelPath))
	path, err := generate.ResolveCheckpoint(c.modelPath)
	if err != nil {
		return err
	}
	tok, err := generate.LoadTokenizer(path)
	if err != nil {
		return err
	}
	model, err := generate.LoadModel(path, c.threads)
	if err != nil {
		return err
	}
	defer model.Close()

	var opts []generate.Option
	if c.traceOut != "" {
		tw, terr := trace.Create(c.traceOut)
		if terr != nil {
			return fmt.Errorf("create trace: %w", terr)
		}
		defer func() {
			if cerr := tw.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close trace: %w", cerr)
			}
			logger.Log.Debug("Trace written", "path", c.traceOut, "rows", tw.Rows())
		}()
		opts = append(opts, generate.WithObserver(tw.Observe))
	}

	fmt.Fprintln(out, "Generando texto...")
	results, err := generate.NewRunner(tok, generate.FromEngine(model), opts...).Generate(ctx, c.prompt, c.gen)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Texto generado:")
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, r.Text)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if generate.IsCancelled(err) {
			logger.Log.Warn("Interrupted", "error", err)
		} else {
			logger.Log.Error("resena failed", "error", err, "kind", errorKind(err))
		}
		os.Exit(1)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, generate.ErrModelLoad):
		return "model_load"
	case errors.Is(err, generate.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, generate.ErrGeneration):
		return "generation"
	default:
		return "other"
	}
}
