package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"dcs-mission-validator/internal/config"
	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/orchestrator"
)

type rootFlags struct {
	files      []string
	dirs       []string
	recursive  []string
	watch      string
	simulate   bool
	sidecar    bool
	configPath string
	jsonLogs   bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "validator",
		Short: "Validate DCS mission archives and remove the invalid ones",
		Long: `validator inspects .miz mission archives and deletes those that contain
forbidden folders or require add-on modules outside the approved list.

Archives can be validated once (files, directories, recursive directories)
or continuously while a directory tree is watched. In watch mode an archive
is validated once it has not changed for the configured quiet period.`,
		Example: `  validator -f test.miz -s
  validator -f "/srv/dcs/some folder/test.miz"
  validator -d /srv/dcs/Missions -t
  validator -r /srv/dcs/Missions -c /etc/mission-validator.yaml
  validator -w /srv/dcs/Missions`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := orchestrator.Inputs{Files: f.files, Dirs: f.dirs, Recursive: f.recursive}
			if in.Empty() && f.watch == "" {
				_ = cmd.Usage()
				return errors.New("nothing to validate: give -f, -d, -r or -w")
			}
			return run(cmd.Context(), f, in)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&f.files, "file", "f", nil, "validate the specified archive (repeatable)")
	flags.StringArrayVarP(&f.dirs, "dir", "d", nil, "validate all archives in the directory (repeatable)")
	flags.StringArrayVarP(&f.recursive, "recursive", "r", nil, "validate all archives below the directory (repeatable)")
	flags.StringVarP(&f.watch, "watch", "w", "", "watch the directory tree and validate archives as they change")
	flags.BoolVarP(&f.simulate, "simulate", "s", false, "log the decision but never delete archives")
	flags.BoolVarP(&f.sidecar, "textfile", "t", false, "append findings to <archive>.txt")
	flags.StringVarP(&f.configPath, "config", "c", config.DefaultPolicyFile, "policy file (yaml, toml or json)")
	flags.BoolVar(&f.jsonLogs, "json-logs", false, "emit JSON logs")

	cmd.AddCommand(newInitConfigCmd(), newVersionCmd())
	return cmd
}

func run(ctx context.Context, f rootFlags, in orchestrator.Inputs) error {
	pf, err := config.LoadPolicyFile(f.configPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(logger.Options{JSON: f.jsonLogs, Debug: pf.Debug, File: pf.LogFile}); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	defer logger.Cleanup()

	log := logger.ComponentLogger("main")
	log.Debugw("Debug enabled", "config", f.configPath)

	cfg := config.Load()
	policy := pf.Policy()

	o, err := orchestrator.New(ctx, cfg, policy, orchestrator.Options{Simulate: f.simulate, Sidecar: f.sidecar})
	if err != nil {
		log.Errorw("Startup failed", logger.FieldError, err)
		return err
	}
	defer o.Close()

	if !in.Empty() {
		refs := orchestrator.CollectFiles(in, cfg.MissionExtension, log)
		if _, err := o.RunOnce(ctx, refs); err != nil {
			log.Warnw("Validation run interrupted", logger.FieldError, err)
		}
	}

	if f.watch != "" {
		log.Infow("Press Ctrl+C to stop watching")
		if err := o.Watch(ctx, f.watch); err != nil {
			log.Errorw("Watch mode failed", logger.FieldError, err)
			return err
		}
		log.Infow("Watch mode stopped")
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "HINT:", hint)
		}
		stop()
		os.Exit(1)
	}
}
