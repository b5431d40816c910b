// gen_gguf writes a tiny randomly initialised checkpoint for smoke
// testing resena without real weights.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-resena/internal/gguf"
	"github.com/23skdu/quarrel-resena/internal/logger"
	"github.com/23skdu/quarrel-resena/internal/testmodel"
)

var weightTypes = map[string]gguf.GGMLType{
	"f32":  gguf.GGMLTypeF32,
	"f16":  gguf.GGMLTypeF16,
	"q8_0": gguf.GGMLTypeQ8_0,
}

type genCommander struct {
	out        string
	weightType string
	opts       testmodel.Options
}

func newRootCmd() *cobra.Command {
	cmder := &genCommander{}

	cmd := &cobra.Command{
		Use:           "gen_gguf",
		Short:         "Write a tiny random GGUF checkpoint",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, ok := weightTypes[strings.ToLower(cmder.weightType)]
			if !ok {
				return fmt.Errorf("unknown weight type %q", cmder.weightType)
			}
			cmder.opts.WeightType = typ

			path := cmder.out
			if filepath.Ext(path) != ".gguf" {
				path = filepath.Join(path, testmodel.FileName)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := testmodel.Write(path, cmder.opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cmder.out, "out", "o", "./results", "Output directory or .gguf file")
	f.StringVar(&cmder.opts.Arch, "arch", "gpt2", "Architecture: gpt2 or llama")
	f.StringVar(&cmder.weightType, "type", "f32", "Matrix storage: f32, f16 or q8_0")
	f.IntVar(&cmder.opts.Dim, "dim", 32, "Embedding width")
	f.IntVar(&cmder.opts.Layers, "layers", 2, "Transformer blocks")
	f.IntVar(&cmder.opts.Heads, "heads", 4, "Attention heads")
	f.IntVar(&cmder.opts.KVHeads, "kv-heads", 0, "Key/value heads for llama (0 means --heads)")
	f.IntVar(&cmder.opts.Context, "context", 256, "Context length")
	f.Int64Var(&cmder.opts.Seed, "seed", 1, "Weight initialisation seed")
	f.BoolVar(&cmder.opts.TiedOutput, "tied", false, "Reuse the token embedding as output projection")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log.Error("gen_gguf failed", "error", err)
		os.Exit(1)
	}
}
