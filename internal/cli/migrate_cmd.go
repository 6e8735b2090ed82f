package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chorus.org/internal/migrate"
	"chorus.org/internal/obs"
	"chorus.org/ops/migrations"
)

func newMigrateCmd(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}
	manager := func(cmd *cobra.Command) (*migrate.Manager, error) {
		db, err := backend.DB(cmd.Context())
		if err != nil {
			return nil, err
		}
		return migrate.NewManager(db, migrations.SQL(), migrations.Seeds(), migrate.WithLogger(obs.Logger())), nil
	}
	run := func(use, short string, fn func(*cobra.Command, *migrate.Manager) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := manager(cmd)
				if err != nil {
					return err
				}
				if err := fn(cmd, m); err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				return nil
			},
		}
	}

	cmd.AddCommand(
		run("up", "Apply pending migrations", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Up(cmd.Context())
		}),
		run("down", "Roll back the latest migration", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Down(cmd.Context())
		}),
		run("seed", "Apply seed files", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Seed(cmd.Context())
		}),
		run("status", "List applied migrations", func(cmd *cobra.Command, m *migrate.Manager) error {
			applied, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), applied)
			}
			for _, name := range applied {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}),
	)
	return cmd
}
