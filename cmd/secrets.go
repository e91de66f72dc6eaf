package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crewgate/crewgate/internal/audit"
	"github.com/crewgate/crewgate/internal/secrets"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage vault keys and inspect the audit trail",
	}
	cmd.AddCommand(secretsSetCmd())
	cmd.AddCommand(secretsRemoveCmd())
	cmd.AddCommand(secretsListCmd())
	cmd.AddCommand(secretsAuditCmd())
	return cmd
}

func openVault() (*secrets.KeyVault, error) {
	vault, _, err := loadConfigWithVault()
	return vault, err
}

func secretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret in the key vault",
		Long:  "Stores a secret under a snake_case name. Bots only ever see the {{name}} reference; the value is resolved at call time. With no value argument the secret is read from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				fmt.Fprintf(os.Stderr, "Value for %s: ", name)
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("empty value")
			}

			vault, err := openVault()
			if err != nil {
				return err
			}
			if err := vault.Store(name, value); err != nil {
				return err
			}
			fmt.Printf("Stored. Reference it as %s\n", secrets.RefFor(name))
			return nil
		},
	}
}

func secretsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a secret from the key vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			if err := vault.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}

func secretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key names (never values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			names := vault.Names()
			if len(names) == 0 {
				fmt.Println("No secrets stored.")
				return nil
			}
			for _, name := range names {
				fmt.Printf("%-30s %s\n", name, secrets.RefFor(name))
			}
			return nil
		},
	}
}

func secretsAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [n]",
		Short: "Show the last n audit trail entries (default 20)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 20
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return fmt.Errorf("bad count %q", args[0])
				}
				n = v
			}

			_, cfg, err := loadConfigWithVault()
			if err != nil {
				return err
			}
			log, err := audit.New(cfg.Secrets.AuditLog)
			if err != nil {
				return err
			}
			entries, err := log.Tail(n)
			if err != nil {
				return err
			}
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = "FAIL"
				}
				fmt.Printf("%s  %-24s %-20s %-5s %dms", e.Timestamp, e.Operation, e.KeyRef, status, e.DurationMS)
				if e.Error != "" {
					fmt.Printf("  %s", e.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
