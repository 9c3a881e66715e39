package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/shower.reco/internal/config"
	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/shower/pipeline"
)

func (a *app) validateCmd() *cobra.Command {
	var configPath string
	var checkModels bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a reconstruction configuration",
		Long: `validate loads the configuration, applies SHOWER_RECO_* environment
overrides and checks it, including that every reconstructor name is known
and listed under its own kind. With --models it also loads every model file
and checks the reconstructor dependencies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := pipeline.Validate(cfg); err != nil {
				return err
			}
			if checkModels {
				fsys := modelFS{base: fsutil.OSFileSystem{}, dir: cfg.GetModelDir()}
				recos, err := pipeline.BuildReconstructors(fsys, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%d reconstructors built\n", len(recos))
			}
			fmt.Fprintf(a.stdout, "%s: ok\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "reconstruction config (.json, .yaml or .yml)")
	cmd.Flags().BoolVar(&checkModels, "models", false, "also load the model files")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// loadConfig reads path and overlays the environment.
func (a *app) loadConfig(path string) (*config.ReconstructionConfig, error) {
	cfg, err := config.Load(fsutil.OSFileSystem{}, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvironment(a.environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}
