package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"androdump/dumper"
	"androdump/process"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"list-so"},
		Short:   "List the modules mapped by the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, pid, err := Target()
			if err != nil {
				return err
			}
			return RunList(cmd.Context(), d, pid, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("so-only", true, "Only list shared objects; --so-only=false lists every file-backed module")
	viper.BindPFlag("so.only_shared_objects", cmd.Flags().Lookup("so-only"))
	return cmd
}

// RunList prints one line per module: base, size, region and gap counts, and path.
func RunList(ctx context.Context, d *dumper.Dumper, pid process.ProcessID, out io.Writer) error {
	mods, err := d.ListModules(ctx, pid)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tSIZE\tREGIONS\tGAPS\tPATH")
	for _, m := range mods {
		fmt.Fprintf(w, "0x%x\t0x%x\t%d\t%d\t%s\n", m.Base, m.Size, m.Regions, m.Gaps, m.Path)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"pid": pid, "modules": len(mods)}).Info("Listed modules")
	return nil
}
