package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"androdump/elffix"
	"androdump/process"
	"androdump/process_blob"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewFixCommand() *cobra.Command {
	var input, output, base string
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Rebuild section headers of a raw dump already on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(base, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid --base %q: %w", base, err)
			}
			if output == "" {
				output = input + ".fix.so"
			}
			_, err = RunFix(input, output, addr)
			return err
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Raw dump to rebuild")
	cmd.Flags().StringVar(&output, "out", "", "Rebuilt file (default <input>.fix.so)")
	cmd.Flags().StringVarP(&base, "base", "b", "0", "Address the dump was taken from")
	cmd.MarkFlagRequired("input")
	return cmd
}

// RunFix rebuilds the dump at input, taken from address base, into output.
func RunFix(input, output string, base uint64) (*elffix.Result, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}

	res, err := elffix.Fix(process_blob.NewProcessBlob(process.ProcessMemoryAddress(base), data), elffix.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", input, err)
	}
	for _, w := range res.Warnings {
		logrus.WithField("input", input).Debug(w)
	}

	if err := writeArtifact(filepath.Dir(output), filepath.Base(output), res.Data); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"input":    input,
		"output":   output,
		"partial":  res.Partial,
		"sections": len(res.Sections),
		"symbols":  res.Symbols,
		"rebased":  res.Rebased,
	}).Info("Rebuilt")
	return res, nil
}
