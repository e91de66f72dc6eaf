package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crewgate/crewgate/internal/rooms"
)

func roomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Inspect rooms and their task boards",
	}
	cmd.AddCommand(roomsListCmd())
	cmd.AddCommand(roomsShowCmd())
	return cmd
}

func openRooms() (*rooms.Manager, error) {
	_, cfg, err := loadConfigWithVault()
	if err != nil {
		return nil, err
	}
	return rooms.NewManager(cfg.Rooms.Storage, cfg.ResolveDefaultBotID())
}

func roomsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openRooms()
			if err != nil {
				return err
			}
			for _, r := range mgr.List() {
				fmt.Printf("%-10s %-8s %-24s %s\n", r.ID, r.Type, r.Name, strings.Join(r.Participants, ", "))
			}
			return nil
		},
	}
}

func roomsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <room-id>",
		Short: "Show one room's participants, context, and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openRooms()
			if err != nil {
				return err
			}
			r, ok := mgr.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown room %q", args[0])
			}

			fmt.Printf("Room:         %s (%s)\n", r.Name, r.ID)
			fmt.Printf("Type:         %s\n", r.Type)
			fmt.Printf("Participants: %s\n", strings.Join(r.Participants, ", "))
			if len(r.SharedContext) > 0 {
				fmt.Println("Context:")
				for k, v := range r.SharedContext {
					fmt.Printf("  %s: %s\n", k, v)
				}
			}
			if len(r.Tasks) > 0 {
				fmt.Println("Tasks:")
				for _, t := range r.Tasks {
					owner := t.Owner
					if owner == "" {
						owner = "-"
					}
					fmt.Printf("  [%s] %-12s %-10s %s\n", t.ID, t.Status, owner, t.Title)
				}
			}
			return nil
		},
	}
}
