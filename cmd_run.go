package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"credwrap/internal/answer"
	"credwrap/internal/childproc"
	"credwrap/internal/control"
	"credwrap/internal/logging"
	"credwrap/internal/metrics"
)

func newRunCmd(a *app) *cobra.Command {
	var scriptDir string
	cmd := &cobra.Command{
		Use:   "run [flags] <script> [args...]",
		Short: "Run a script and answer its requests",
		Long: `Run a script with the control channel on fd 3 and answer its requests.
credwrap exits with the script's exit code.

Without a store every request is put to the human. With a store, answers
are looked up under the login the script asks for first (key _login) and
new answers are remembered.

Examples:
  credwrap run ./fetch-statements --since 2024-01-01
  credwrap --store ~/.local/share/credwrap/store.db run fetch-statements`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptDir != "" {
				a.cfg.Run.ScriptDir = scriptDir
			}
			return a.runScript(cmd, args)
		},
	}
	// Flags after the script name belong to the script.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&scriptDir, "script-dir", "", "resolve bare script names here (overrides run.script_dir)")
	return cmd
}

func (a *app) runScript(cmd *cobra.Command, args []string) error {
	ctx := logging.WithRunID(cmd.Context(), uuid.NewString())
	m := metrics.New()

	var answerer answer.Answerer = answer.NewHumanAnswerer(askTerminal)
	if a.cfg.Store.Path != "" {
		store, closer, err := a.openStore(ctx, m)
		if err != nil {
			return err
		}
		defer closer()
		answerer = answer.NewStoreAnswerer(store, askTerminal, a.logger.Named("answer"))
	}

	dispatcher := control.NewDispatcher(answerer, a.logger.Named("control"), m,
		control.WithRateLimit(a.cfg.Run.RequestRate, a.cfg.Run.RequestBurst))
	runner := childproc.NewRunner(dispatcher.LineHandler(ctx),
		childproc.WithScriptDir(a.cfg.Run.ScriptDir),
		childproc.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		childproc.WithLogger(a.logger.Named("runner")),
		childproc.WithMetrics(m),
	)

	err := runner.Run(ctx, args)
	if werr := m.WriteTextfile(a.cfg.Metrics.Textfile); werr != nil {
		a.logger.Warn(ctx, "failed to write metrics textfile", zap.Error(werr))
	}
	return err
}
