package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/dagflow/config"
	"github.com/songzhibin97/dagflow/events"
	"github.com/songzhibin97/dagflow/logging"
	"github.com/songzhibin97/dagflow/plugin"
	"github.com/songzhibin97/dagflow/plugins"
	"github.com/songzhibin97/dagflow/storage"
	"github.com/songzhibin97/dagflow/types"
	"github.com/songzhibin97/dagflow/validate"
	"github.com/songzhibin97/dagflow/workflow"
)

var errNoEnabledTrigger = errors.New("template has no enabled trigger")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dagflow",
		Short:        "Workflow DAG engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to config file")

	cmd.AddCommand(newValidateCommand(), newRunCommand(), newPluginsCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <template>",
		Short: "Check that a template is a well-formed, fully connected DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if err := validate.ValidateTemplate(tpl); err != nil {
				return err
			}
			publishable := "no"
			if validate.CanBePublished(tpl) {
				publishable = "yes"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "template %s is valid (status %s, can be published: %s)\n", tpl.ID, tpl.Status, publishable)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <template>",
		Short: "Execute a published template once and print the run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			rawTrigger, _ := cmd.Flags().GetString("trigger-output")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(cfg.Log.Level, cmd.ErrOrStderr())
			defer func() { _ = logger.Sync() }()

			triggerOutput := map[string]interface{}{}
			if rawTrigger != "" {
				if err := json.Unmarshal([]byte(rawTrigger), &triggerOutput); err != nil {
					return fmt.Errorf("decode --trigger-output: %w", err)
				}
			}

			tpl, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if tpl.Status != types.TemplateStatusPublished {
				return fmt.Errorf("template %s is %s, only PUBLISHED templates can run", tpl.ID, tpl.Status)
			}
			if err := validate.ValidateTemplate(tpl); err != nil {
				return err
			}

			registry, err := newRegistry(cfg, logger)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			details, runErr := runOnce(cmd.Context(), cfg, logger, tpl, triggerOutput, registry, store)
			if details.ID != "" {
				out, err := json.MarshalIndent(details, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return runErr
		},
	}
	cmd.Flags().String("trigger-output", "", "JSON object used as the trigger run output")
	return cmd
}

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins this process can dispatch to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			registry, err := newRegistry(cfg, logging.NewWithWriter(cfg.Log.Level, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			for _, info := range registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-26s %s\n", info.ID, info.Description)
			}
			return nil
		},
	}
}

func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger, tpl types.WorkflowTemplate, triggerOutput map[string]interface{}, registry *plugin.Registry, store storage.RunStore) (types.WorkflowRun, error) {
	triggerID := ""
	for _, trigger := range tpl.Triggers {
		if trigger.IsEnabled {
			triggerID = trigger.ID
			break
		}
	}
	if triggerID == "" {
		return types.WorkflowRun{}, errNoEnabledTrigger
	}

	triggerRun, err := store.CreateTriggerRun(ctx, triggerID, triggerOutput)
	if err != nil {
		return types.WorkflowRun{}, err
	}
	run, err := store.CreateRun(ctx, tpl.ID, triggerRun)
	if err != nil {
		return types.WorkflowRun{}, err
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	defer bus.Stop()
	bus.SubscribeFunc(events.AllEvents, func(ctx context.Context, event events.Event) error {
		logger.Debug("lifecycle event",
			zap.String("event", event.Type),
			zap.String("run_id", event.RunID),
			zap.String("step_id", event.StepID),
		)
		return nil
	})

	engine, err := workflow.NewWorkflowEngine(tpl, run, store, registry,
		workflow.WithLogger(logger),
		workflow.WithStepTimeout(cfg.Engine.StepTimeout),
		workflow.WithEventBus(bus),
	)
	if err != nil {
		return types.WorkflowRun{}, err
	}
	_, runErr := engine.Execute(ctx)

	details, err := store.GetRunDetails(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return types.WorkflowRun{}, errors.Join(runErr, err)
	}
	return details, runErr
}

func readTemplate(path string) (types.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowTemplate{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return validate.ParseTemplateYAML(data)
	default:
		return validate.ParseTemplate(data)
	}
}

func newRegistry(cfg *config.Config, logger *zap.Logger) (*plugin.Registry, error) {
	if cfg.Plugins.Manifest == "" {
		return plugins.NewRegistry(plugin.WithLogger(logger)), nil
	}
	manifest, err := plugin.LoadManifest(cfg.Plugins.Manifest)
	if err != nil {
		return nil, err
	}
	return plugin.NewRegistryFromManifest(plugins.Catalog(), manifest, plugin.WithLogger(logger)), nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.RunStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		r := cfg.Storage.Redis
		store, err := storage.NewRedisRepository(storage.RedisOptions{
			Addr:         r.Addr,
			Password:     r.Password,
			DB:           r.DB,
			PoolSize:     r.PoolSize,
			MinIdleConns: r.MinIdleConns,
			IdleTimeout:  r.IdleTimeout,
			KeyPrefix:    r.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		store, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemoryRepository(nil), nil
	}
}
