package commands

import (
	"context"

	"androdump/dumper"
	"androdump/process"
	"androdump/process/memory_map"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save the target's maps and readable memory for offline runs",
		Long: `Captures the memory map and the bytes of every readable region into the
output directory. Pass that directory to --snapshot to run list, dump-so and
dump-dex without the live process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, pid, err := Target()
			if err != nil {
				return err
			}
			dir, err := outputDir()
			if err != nil {
				return err
			}
			return RunSnapshot(cmd.Context(), d, pid, dir, SnapshotFilter(viper.GetBool("snapshot_all"), viper.GetUint64("snapshot_max_region")))
		},
	}
	cmd.Flags().Bool("all", false, "Also capture file-backed regions")
	cmd.Flags().Uint64("max-region", 256<<20, "Skip regions larger than this many bytes")
	viper.BindPFlag("snapshot_all", cmd.Flags().Lookup("all"))
	viper.BindPFlag("snapshot_max_region", cmd.Flags().Lookup("max-region"))
	return cmd
}

// SnapshotFilter captures readable regions up to maxRegion bytes: anonymous
// ones and shared objects, or every file-backed region too when all is set.
func SnapshotFilter(all bool, maxRegion uint64) func(memory_map.MemoryMapItem) bool {
	return func(item memory_map.MemoryMapItem) bool {
		if !item.IsReadable() || (maxRegion > 0 && uint64(item.Size) > maxRegion) {
			return false
		}
		if all || !item.IsFileBacked() {
			return true
		}
		return memory_map.Module{Path: item.Path}.IsSharedObject()
	}
}

func RunSnapshot(ctx context.Context, d *dumper.Dumper, pid process.ProcessID, dir string, filter func(memory_map.MemoryMapItem) bool) error {
	dump, err := d.Snapshot(ctx, pid, filter)
	if err != nil {
		return err
	}
	if err := dump.Save(dir); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"pid":     pid,
		"session": dump.SessionID,
		"regions": len(dump.MemoryMap),
		"blobs":   len(dump.Blobs),
		"dir":     dir,
	}).Info("Snapshot saved")
	return nil
}
