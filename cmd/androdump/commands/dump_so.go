package commands

import (
	"context"

	"androdump/dumper"
	"androdump/process"
	"androdump/soinfo"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewDumpSoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-so [module...]",
		Short: "Dump shared objects and rebuild their section headers",
		Long: `Dumps each named module (basename or path suffix) under one attach session.
With no names, so.targets from the configuration is used; when that is empty too,
every mapped shared object is dumped. The raw dump is always written; the rebuilt
file is written next to it as <raw>.fix.so.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, pid, err := Target()
			if err != nil {
				return err
			}
			dir, err := outputDir()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = viper.GetStringSlice("so.targets")
			}
			return RunDumpSo(cmd.Context(), d, pid, names, dir)
		},
	}
	cmd.Flags().Bool("auto-fix", true, "Rebuild section headers of every dump")
	cmd.Flags().Bool("soinfo", true, "Size modules from the linker's soinfo list")
	cmd.Flags().String("linker", soinfo.DefaultLinkerPath, "Linker binary holding the solist symbol")
	viper.BindPFlag("so.auto_fix", cmd.Flags().Lookup("auto-fix"))
	viper.BindPFlag("so.use_soinfo", cmd.Flags().Lookup("soinfo"))
	viper.BindPFlag("so.linker_path", cmd.Flags().Lookup("linker"))
	return cmd
}

// RunDumpSo dumps names into dir and records every module in the manifest.
// Module-level failures are logged and recorded; they do not fail the run.
func RunDumpSo(ctx context.Context, d *dumper.Dumper, pid process.ProcessID, names []string, dir string) error {
	manifest := NewManifest("dump-so", pid)
	manifest.Snapshot = viper.GetString("snapshot")

	outcomes, err := d.DumpModules(ctx, pid, names)
	for _, o := range outcomes {
		fields := logrus.Fields{"module": o.Name}
		if o.Result == nil {
			logrus.WithFields(fields).WithError(o.Err).Warn("Module not dumped")
			manifest.Add(Artifact{Kind: "so", Name: o.Name, Error: o.Err.Error()})
			continue
		}

		r := o.Result
		raw := Artifact{
			File:       r.RawFileName(),
			Kind:       "so-raw",
			Name:       r.Path,
			Address:    r.Base,
			Size:       len(r.Raw),
			Partial:    len(r.Unreadable) > 0,
			Unreadable: r.Unreadable,
		}
		if werr := writeArtifact(dir, raw.File, r.Raw); werr != nil {
			return werr
		}
		manifest.Add(raw)

		if o.Err != nil {
			logrus.WithFields(fields).WithError(o.Err).Warn("Rebuild failed, raw dump kept")
			manifest.Add(Artifact{Kind: "so", Name: r.Path, Address: r.Base, Error: o.Err.Error()})
			continue
		}
		if !r.Fixed {
			continue
		}

		fixed := Artifact{
			File:       r.FixedFileName(),
			Kind:       "so",
			Name:       r.Path,
			Address:    r.Base,
			Size:       len(r.Data),
			Partial:    r.Partial,
			Unreadable: r.Unreadable,
			Warnings:   r.Warnings,
		}
		if werr := writeArtifact(dir, fixed.File, r.Data); werr != nil {
			return werr
		}
		manifest.Add(fixed)

		logrus.WithFields(fields).WithFields(logrus.Fields{
			"base":     process.ProcessMemoryAddress(r.Base).ToString(),
			"size":     r.Size,
			"source":   r.SizeSource,
			"partial":  r.Partial,
			"sections": len(r.Fix.Sections),
			"symbols":  r.Fix.Symbols,
		}).Info("Module rebuilt")
	}

	if werr := manifest.Write(dir); werr != nil {
		return werr
	}
	return err
}
