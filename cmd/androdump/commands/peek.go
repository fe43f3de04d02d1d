package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"androdump/dumper"
	"androdump/hexdump"
	"androdump/process"

	"github.com/spf13/cobra"
)

func NewPeekCommand() *cobra.Command {
	var addr, pattern string
	var size uint64
	var color bool
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Hex dump a span of the target's memory",
		Long: `Reads --size bytes at --addr and prints them as a hex listing. Pages that
could not be read print as ??. Words that point into a mapped region are listed
at the end of their line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.ParseUint(addr, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid --addr %q: %w", addr, err)
			}
			highlight, err := parseHighlight(pattern)
			if err != nil {
				return err
			}
			d, pid, err := Target()
			if err != nil {
				return err
			}
			return RunPeek(cmd.Context(), d, pid, start, size, highlight, color, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Start address (0x prefix for hex)")
	cmd.Flags().Uint64VarP(&size, "size", "s", 256, "Number of bytes to read")
	cmd.Flags().StringVar(&pattern, "highlight", "", "Hex bytes to highlight, e.g. \"64 65 78 0a\"")
	cmd.Flags().BoolVar(&color, "color", true, "Colorize the output")
	cmd.MarkFlagRequired("addr")
	return cmd
}

func parseHighlight(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid --highlight %q: %w", s, err)
	}
	return b, nil
}

// RunPeek prints size bytes at addr from the target to out.
func RunPeek(ctx context.Context, d *dumper.Dumper, pid process.ProcessID, addr, size uint64, highlight []byte, color bool, out io.Writer) error {
	blob, maps, err := d.Peek(ctx, pid, addr, size)
	if err != nil {
		return err
	}
	opts := hexdump.DefaultOptions()
	opts.Base = addr
	opts.Unreadable = blob.Unreadable()
	opts.Highlight = highlight
	opts.Maps = maps
	opts.Color = color
	hexdump.Write(out, blob.Data(), opts)
	return nil
}
