// Package cli implements the layerstream command tree.
package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"layerstream/internal/config"
)

// rootState is shared by every subcommand once flags are parsed.
type rootState struct {
	configPath string
	logLevel   string
	logFormat  string

	file config.File
	log  zerolog.Logger
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string) error {
	root := buildRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func buildRootCmd() *cobra.Command {
	st := &rootState{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "layerstream",
		Short:         "Stream model layers through a bounded cache and run checkpointed passes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&st.configPath, "config", envStr("LAYERSTREAM_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", envStr("LAYERSTREAM_LOG_LEVEL", "info"), "Log level: debug|info|warn|error (defaults LAYERSTREAM_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&st.logFormat, "log-format", "console", "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if st.configPath != "" {
			f, err := config.Load(st.configPath)
			if err != nil {
				return err
			}
			st.file = f
		}
		// Explicit flags win over the file; the file wins over flag defaults.
		if st.file.LogLevel == "" || cmd.Flags().Changed("log-level") {
			st.file.LogLevel = st.logLevel
		}
		if st.file.LogFormat == "" || cmd.Flags().Changed("log-format") {
			st.file.LogFormat = st.logFormat
		}
		st.file.ApplyDefaults()
		log, err := newLogger(cmd.ErrOrStderr(), st.file.LogLevel, st.file.LogFormat)
		if err != nil {
			return err
		}
		st.log = log
		return nil
	}

	root.AddCommand(newInspectCmd(st), newPackCmd(st), newListCmd(st), newPlanCmd(st), newRunCmd(st))

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
	}})
	root.AddCommand(completionCmd)

	return root
}
