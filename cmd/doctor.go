package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := true
			report := func(pass bool, label, detail string) {
				mark := "ok"
				if !pass {
					mark = "!!"
					ok = false
				}
				fmt.Printf("[%s] %-28s %s\n", mark, label, detail)
			}

			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err != nil {
				report(true, "config file", cfgPath+" (not found, using defaults)")
			} else {
				report(true, "config file", cfgPath)
			}

			vault, cfg, err := loadConfigWithVault()
			if err != nil {
				report(false, "config load", err.Error())
				return fmt.Errorf("cannot continue without config")
			}
			report(true, "config load", "parsed")
			report(true, "key vault", fmt.Sprintf("%d secret(s) stored", len(vault.Names())))

			if cfg.Providers.HasCredential() {
				report(true, "provider credentials", "at least one provider configured")
			} else {
				report(false, "provider credentials", "none found; run: crewgate secrets set openrouter_key")
			}

			if info, err := os.Stat(cfg.DataPath()); err != nil {
				report(true, "data dir", cfg.DataPath()+" (will be created)")
			} else if info.Mode().Perm() != 0700 {
				report(false, "data dir permissions", fmt.Sprintf("%s is %o, want 700", cfg.DataPath(), info.Mode().Perm()))
			} else {
				report(true, "data dir", cfg.DataPath())
			}

			enabled := []string{}
			if cfg.Channels.CLI.Enabled {
				enabled = append(enabled, "cli")
			}
			if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
				enabled = append(enabled, "telegram")
			}
			if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
				enabled = append(enabled, "discord")
			}
			report(len(enabled) > 0, "channels", fmt.Sprintf("%v", enabled))

			for _, spec := range cfg.Tools.MCP {
				if spec.Disabled {
					continue
				}
				if spec.Command == "" && spec.URL == "" {
					report(false, "mcp "+spec.Name, "neither command nor url set")
				} else {
					report(true, "mcp "+spec.Name, spec.ResolvedTransport())
				}
			}

			if cfg.Database.PostgresDSN != "" {
				report(true, "session store", "postgres (run 'crewgate migrate up' if schema is new)")
			} else {
				report(true, "session store", "file")
			}

			if !ok {
				return fmt.Errorf("problems found")
			}
			fmt.Println("\nAll checks passed.")
			return nil
		},
	}
}
