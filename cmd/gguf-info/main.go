package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-resena/internal/generate"
	"github.com/23skdu/quarrel-resena/internal/gguf"
	"github.com/23skdu/quarrel-resena/internal/logger"
)

const infoLongDesc string = `Print what a GGUF checkpoint contains.

Shows the architecture and hyperparameters the runner reads, and
optionally the metadata keys and the tensor table. Useful when a
checkpoint fails to load.

Examples:
  gguf-info ./results
  gguf-info --tensors ./results/model.gguf
  gguf-info --kv resena:latest`

const infoShortDesc string = "Inspect a GGUF checkpoint"

// arrays longer than this are summarised instead of printed
const maxArrayItems = 8

type infoCommander struct {
	tensors bool
	kv      bool
	filter  string
}

func newRootCmd() *cobra.Command {
	cmder := &infoCommander{}

	cmd := &cobra.Command{
		Use:           "gguf-info <checkpoint>",
		Short:         infoShortDesc,
		Long:          infoLongDesc,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.OutOrStdout(), args[0])
		},
	}

	cmd.Flags().BoolVarP(&cmder.tensors, "tensors", "t", false, "List every tensor")
	cmd.Flags().BoolVar(&cmder.kv, "kv", false, "List metadata keys")
	cmd.Flags().StringVar(&cmder.filter, "filter", "", "Only list tensors and keys containing this text")

	return cmd
}

func (c *infoCommander) run(out io.Writer, target string) error {
	path, err := generate.ResolveCheckpoint(target)
	if err != nil {
		return err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintf(out, "file:           %s\n", path)
	fmt.Fprintf(out, "gguf version:   %d\n", f.Header.Version)
	fmt.Fprint(out, gguf.Analyze(f))

	if c.kv {
		fmt.Fprintln(out, "\nmetadata:")
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			if strings.Contains(k, c.filter) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%s\n", k, formatValue(f.KV[k]))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if c.tensors {
		fmt.Fprintln(out, "\ntensors:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  name\ttype\tshape\tbytes\toffset")
		for _, t := range f.SortedTensors() {
			if !strings.Contains(t.Name, c.filter) {
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%v\t%d\t%d\n", t.Name, t.Type, t.Dimensions, t.SizeBytes(), t.Offset)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatValue(v interface{}) string {
	arr, ok := v.([]interface{})
	if !ok {
		if s, ok := v.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprint(v)
	}
	if len(arr) <= maxArrayItems {
		return fmt.Sprint(arr)
	}
	return fmt.Sprintf("%v ... (%d items)", arr[:maxArrayItems], len(arr))
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger.Log.Error("gguf-info failed", "error", err)
		os.Exit(1)
	}
}
