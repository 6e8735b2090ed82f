// Package cli implements chorusctl, the operator command line.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"chorus.org/internal/ledger"
	"chorus.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

// Backend opens the stores commands read from.
type Backend interface {
	Ledger(ctx context.Context) (ledger.Store, error)
	DB(ctx context.Context) (*sql.DB, error)
	Close() error
}

type pgBackend struct {
	dsn   *string
	store *pg.Store
}

func (b *pgBackend) open() error {
	if b.store != nil {
		return nil
	}
	if *b.dsn == "" {
		return fmt.Errorf("missing DSN: provide --dsn or PG_DSN")
	}
	s, err := pg.Open(*b.dsn)
	if err != nil {
		return err
	}
	b.store = s
	return nil
}

func (b *pgBackend) Ledger(ctx context.Context) (ledger.Store, error) {
	if err := b.open(); err != nil {
		return nil, err
	}
	return b.store, b.store.Ping(ctx)
}

func (b *pgBackend) DB(ctx context.Context) (*sql.DB, error) {
	if err := b.open(); err != nil {
		return nil, err
	}
	return b.store.DB(), b.store.Ping(ctx)
}

func (b *pgBackend) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}

// Execute runs chorusctl against PostgreSQL.
func Execute() int {
	var dsn string
	backend := &pgBackend{dsn: &dsn}
	defer backend.Close()

	root := NewRootCmd(backend, os.Stdout)
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN")
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree on backend, writing to out.
func NewRootCmd(backend Backend, out io.Writer) *cobra.Command {
	var output string
	root := &cobra.Command{
		Use:           "chorusctl",
		Short:         "Chorus member registry administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOutputFormat(output)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(backend))
	root.AddCommand(newCapabilitiesCmd(backend))
	root.AddCommand(newScopeCmd(backend))
	root.AddCommand(newNavCmd(backend))
	root.AddCommand(newLoginCmd(backend))
	return root
}
