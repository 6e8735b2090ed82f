package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chorus.org/internal/auth"
)

func newLoginCmd(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Manage login identities",
	}
	var (
		personID      string
		superuser     bool
		passwordStdin bool
	)
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a login, optionally linked to a person",
		Long:  "Creates a login. The password is read from CHORUS_PASSWORD or, with --password-stdin, from the first line of standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("CHORUS_PASSWORD")
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password required: set CHORUS_PASSWORD or use --password-stdin")
			}
			db, err := backend.DB(cmd.Context())
			if err != nil {
				return err
			}
			svc := auth.NewService(auth.NewPGStore(db), nil)
			l, err := svc.Register(cmd.Context(), args[0], password, personID, superuser)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), l.Identity())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created login %s (%s)\n", l.Username, l.ID)
			return nil
		},
	}
	create.Flags().StringVar(&personID, "person", "", "Person the login acts as")
	create.Flags().BoolVar(&superuser, "superuser", false, "Grant the superuser flag")
	create.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.AddCommand(create)
	return cmd
}
