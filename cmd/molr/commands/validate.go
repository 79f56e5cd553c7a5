package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/molr/molr/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate mission manifests and configuration",
		Long: `Validate mission manifests and, when --config is given, the configuration file.

This command checks:
  - YAML syntax
  - Manifest structure against the mission schema
  - Block kinds and children (composites need children, leaves have none)
  - Starlark syntax of leaf scripts
  - WebAssembly modules referenced by leaves exist
  - Rego policies named by the configuration`,
		Example: `  # Validate a manifest
  molr validate falcon.yaml

  # Validate manifests and a configuration file
  molr validate -c molr.yaml missions/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("%s: %w", configPath, err)
				}
				if _, err := cfg.Policy.NewEngine(cmd.Context(), log.Logger); err != nil {
					return fmt.Errorf("%s: %w", configPath, err)
				}
				fmt.Fprintf(out, "ok %s\n", configPath)
			}

			failed := 0
			for _, path := range args {
				mission, err := config.LoadManifest(path)
				if err != nil {
					failed++
					log.Error().Err(err).Str("path", path).Msg("Invalid manifest")
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok %s: %s, %d blocks, %d scripts, %d modules\n", path, mission.Name, mission.Tree.Len(), len(mission.Scripts), len(mission.Modules))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d manifests are invalid", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}
