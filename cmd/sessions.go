package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/bvasystems/teste-agente/internal/config"
	"github.com/bvasystems/teste-agente/internal/session"
	"github.com/bvasystems/teste-agente/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage conversation sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsClearCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			sessions, err := st.List(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].LastActivity.After(sessions[j].LastActivity)
			})

			printRow("USER", "MESSAGES", "PENDING", "STATE", "LAST ACTIVITY")
			for _, s := range sessions {
				printRow(
					s.UserKey,
					fmt.Sprintf("%d", s.MessageCount),
					fmt.Sprintf("%d", len(s.PendingMessages)),
					sessionState(s),
					s.LastActivity.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-key>",
		Short: "Dump one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := st.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [user-key]",
		Short: "Delete a session (or all with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			if all {
				sessions, err := st.List(ctx)
				if err != nil {
					return err
				}
				for _, s := range sessions {
					if err := st.Delete(ctx, s.UserKey); err != nil {
						fmt.Fprintf(os.Stderr, "delete %s: %v\n", s.UserKey, err)
					}
				}
				fmt.Printf("Deleted %d session(s).\n", len(sessions))
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("pass a user key or --all")
			}
			if err := st.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every session")
	return cmd
}

var sessionColWidths = []int{28, 10, 9, 12, 21}

// printRow pads cells by display width so wide characters in push names
// keep columns aligned.
func printRow(cells ...string) {
	for i, cell := range cells {
		w := sessionColWidths[i]
		if runewidth.StringWidth(cell) > w {
			cell = runewidth.Truncate(cell, w, "…")
		}
		fmt.Print(runewidth.FillRight(cell, w+2))
	}
	fmt.Println()
}

func sessionState(s *session.Session) string {
	switch {
	case s.IsProcessing:
		return "processing"
	case s.IsRateLimited && s.RateLimitUntil != nil && time.Now().Before(*s.RateLimitUntil):
		return "limited"
	case len(s.PendingMessages) > 0:
		return "batching"
	default:
		return "idle"
	}
}

// openStoreFromConfig opens the session backend the same way serve does,
// without starting the server.
func openStoreFromConfig() (store.SessionStore, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.Mode == "managed" {
		if cfg.Database.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("managed mode requires AGENTE_POSTGRES_DSN")
		}
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPGStore(db), func() { db.Close() }, nil
	}

	fs, err := store.NewFileStore(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}
