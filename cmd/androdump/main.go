package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"androdump/cmd/androdump/commands"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "androdump",
		Short: "Dump native libraries and DEX images from a running Android process",
		Long: `androdump attaches to a running process on a rooted device, copies loaded
shared objects out of its memory and rebuilds their section headers, and carves
DEX images out of its heap. Every command can also run against a saved snapshot.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := commands.LoadConfig(); err != nil {
				return err
			}
			return commands.SetupLogging()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration file path")
	flags.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flags.Int("pid", 0, "Target process ID")
	flags.String("name", "", "Target process name, used when --pid is not set")
	flags.StringP("output", "o", "./androdump_out", "Output directory")
	flags.String("snapshot", "", "Run against a saved snapshot directory instead of a live process")
	flags.String("freeze", "ptrace", "How to stop the target: ptrace or signal")
	flags.String("read-method", "vm_readv", "How to read memory: vm_readv or procmem")
	flags.Int("chunk-size", 64*1024, "Bytes per read attempt")
	flags.Int("workers", 4, "Regions extracted in parallel")

	for key, flag := range map[string]string{
		"config":      "config",
		"log_level":   "log-level",
		"pid":         "pid",
		"name":        "name",
		"output":      "output",
		"snapshot":    "snapshot",
		"freeze":      "freeze",
		"read_method": "read-method",
		"chunk_size":  "chunk-size",
		"workers":     "workers",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		commands.NewListCommand(),
		commands.NewDumpSoCommand(),
		commands.NewDumpDexCommand(),
		commands.NewFixCommand(),
		commands.NewSnapshotCommand(),
		commands.NewPeekCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("androdump failed")
		stop()
		os.Exit(1)
	}
}
