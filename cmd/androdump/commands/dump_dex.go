package commands

import (
	"context"
	"errors"

	"androdump/dumper"
	"androdump/process"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewDumpDexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dump-dex",
		Aliases: []string{"dex"},
		Short:   "Carve DEX images out of the target's memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, pid, err := Target()
			if err != nil {
				return err
			}
			dir, err := outputDir()
			if err != nil {
				return err
			}
			return RunDumpDex(cmd.Context(), d, pid, dir)
		},
	}
	cmd.Flags().Bool("anon-only", false, "Only scan regions without a backing file")
	cmd.Flags().Uint64("min-region-size", 0x60, "Skip regions not larger than this")
	cmd.Flags().Bool("repair", true, "Recover DEX images whose header magic was wiped")
	viper.BindPFlag("dex.anonymous_only", cmd.Flags().Lookup("anon-only"))
	viper.BindPFlag("dex.min_region_size", cmd.Flags().Lookup("min-region-size"))
	viper.BindPFlag("dex.repair_headers", cmd.Flags().Lookup("repair"))
	return cmd
}

// RunDumpDex writes every carved image to dir. Finding nothing is not an error
// for the command; the empty manifest records the run.
func RunDumpDex(ctx context.Context, d *dumper.Dumper, pid process.ProcessID, dir string) error {
	manifest := NewManifest("dump-dex", pid)
	manifest.Snapshot = viper.GetString("snapshot")

	found, err := d.ScanDex(ctx, pid)
	switch {
	case errors.Is(err, process.ErrNoMatchFound):
		logrus.WithField("pid", pid).Warn("No DEX image found")
	case err != nil:
		return err
	}

	for _, r := range found {
		if err := writeArtifact(dir, r.FileName(), r.Data); err != nil {
			return err
		}
		manifest.Add(Artifact{
			File:     r.FileName(),
			Kind:     "dex",
			Name:     r.Region,
			Address:  r.Offset,
			Size:     len(r.Data),
			Partial:  r.Partial,
			Repaired: r.Repaired,
		})
	}

	logrus.WithFields(logrus.Fields{"pid": pid, "images": len(found)}).Info("DEX scan finished")
	return manifest.Write(dir)
}
