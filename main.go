// Package main implements credwrap, which runs a child script and answers
// its requests for credentials from a human or an encrypted store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"credwrap/internal/childproc"
	"credwrap/internal/config"
	"credwrap/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(context.Background(), &app{}, os.Args[1:]); err != nil {
		var exitErr *childproc.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the command line. The logger is flushed however the command
// ends, including when the child fails and main exits with its code.
func run(ctx context.Context, a *app, args []string) error {
	defer a.close()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app carries state shared by subcommands once the root has loaded config.
type app struct {
	configPath string
	storePath  string
	logLevel   string
	kdfMemory  string
	kdfTime    uint32

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "credwrap",
		Short: "Run scripts that ask for credentials over a control channel",
		Long: `credwrap runs a child script with a control channel on file descriptor 3.
The script writes one JSON request per line to fd 3 and reads each reply
from its stdin. Answers come from the human at the terminal or, with a
store configured, from an encrypted store that remembers them.

PASSPHRASE:
    Set CREDWRAP_PASSPHRASE, or enter it when asked.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.config/credwrap/config.yaml)")
	flags.StringVar(&a.storePath, "store", "", "store file, or :memory: (overrides store.path)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	flags.StringVarP(&a.kdfMemory, "memory", "m", "", "Argon2 memory for new stores: 64M, 1G, ... (overrides store.kdf_memory)")
	flags.Uint32VarP(&a.kdfTime, "iterations", "i", 0, "Argon2 iterations for new stores (overrides store.kdf_time)")

	root.AddCommand(newRunCmd(a), newStoreCmd(a), newVersionCmd())
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storePath != "" {
		cfg.Store.Path = a.storePath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.kdfMemory != "" {
		mem, err := parseMemory(a.kdfMemory)
		if err != nil {
			return fmt.Errorf("invalid memory value: %w", err)
		}
		cfg.Store.KDFMemory = mem
	}
	if a.kdfTime != 0 {
		cfg.Store.KDFTime = a.kdfTime
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// close flushes and releases the logger.
func (a *app) close() {
	if a.logger == nil {
		return
	}
	_ = a.logger.Sync()
	a.logger = nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "credwrap version %s\n", version)
			return nil
		},
	}
}

// parseMemory parses memory strings like "64", "64M", "64MB", "1G", "1GB"
// into KiB. Bare numbers are treated as MB.
func parseMemory(s string) (uint32, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := uint64(1024) // default MB to KB

	if strings.HasSuffix(s, "GB") || strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "GB"), "G")
	} else if strings.HasSuffix(s, "MB") || strings.HasSuffix(s, "M") {
		multiplier = 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "MB"), "M")
	} else if strings.HasSuffix(s, "KB") || strings.HasSuffix(s, "K") {
		multiplier = 1
		s = strings.TrimSuffix(strings.TrimSuffix(s, "KB"), "K")
	}

	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}

	result := val * multiplier
	if result > 0xFFFFFFFF {
		return 0, fmt.Errorf("memory value too large")
	}
	if result < 1024 {
		return 0, fmt.Errorf("memory must be at least 1MB")
	}
	return uint32(result), nil
}
