package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus.org/internal/access"
	"chorus.org/internal/ledger"
	"chorus.org/internal/nav"
	"chorus.org/internal/obs"
	"chorus.org/internal/perm"
)

type subjectFlags struct {
	asOf            string
	crossOrg        bool
	includeInactive bool
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.asOf, "as-of", "", "Resolve on this day (YYYY-MM-DD), default today")
	cmd.Flags().BoolVar(&f.crossOrg, "cross-org", false, "Apply the cross-choir preference")
	cmd.Flags().BoolVar(&f.includeInactive, "include-inactive", false, "Count ended holdings for visibility")
}

func (f *subjectFlags) subject(personID string) (access.Subject, error) {
	subj := access.Subject{PersonID: personID}
	if f.asOf != "" {
		t, err := time.Parse(ledger.DateLayout, f.asOf)
		if err != nil {
			return subj, fmt.Errorf("--as-of %q is not a date", f.asOf)
		}
		subj.AsOf = t
	}
	subj.Overrides.CrossOrg = f.crossOrg
	subj.Overrides.IncludeInactive = f.includeInactive
	return subj, nil
}

// withSession opens a snapshot, resolves the subject and runs fn.
func withSession(ctx context.Context, backend Backend, subj access.Subject, fn func(ledger.Snapshot, *access.Session) error) error {
	store, err := backend.Ledger(ctx)
	if err != nil {
		return err
	}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer snap.Close()
	if _, err := snap.Person(ctx, subj.PersonID); err != nil {
		return err
	}
	session, err := access.NewResolver(access.WithLogger(obs.Logger())).Session(ctx, snap, subj)
	if err != nil {
		return err
	}
	return fn(snap, session)
}

func newCapabilitiesCmd(backend Backend) *cobra.Command {
	var flags subjectFlags
	cmd := &cobra.Command{
		Use:   "capabilities <person-id>",
		Short: "Show the effective capabilities of a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subj, err := flags.subject(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), backend, subj, func(_ ledger.Snapshot, s *access.Session) error {
				grants := s.Capabilities().Grants()
				if getOutputFormat(cmd) == "json" {
					if grants == nil {
						grants = []access.Grant{}
					}
					return printJSON(cmd.OutOrStdout(), grants)
				}
				rows := make([][]string, 0, len(grants))
				for _, g := range grants {
					rows = append(rows, []string{g.Capability.String(), g.OrganizationID, g.Capability.Describe()})
				}
				return printTable(cmd.OutOrStdout(), []string{"CAPABILITY", "ORGANIZATION", "DESCRIPTION"}, rows)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newScopeCmd(backend Backend) *cobra.Command {
	var (
		flags      subjectFlags
		capability string
		visible    bool
	)
	cmd := &cobra.Command{
		Use:   "scope <entity> <person-id>",
		Short: "List the records of an entity a person may reach",
		Long: "Lists the edit set by default, the scoped set of one capability with --capability " +
			"and the visible set with --visible.\n\nEntities: " + entityNames(),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, ok := access.ParseEntity(args[0])
			if !ok {
				return fmt.Errorf("unknown entity %q", args[0])
			}
			subj, err := flags.subject(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), backend, subj, func(snap ledger.Snapshot, s *access.Session) error {
				var p access.Predicate
				switch {
				case visible:
					p = s.VisibleSet(entity)
				case capability != "":
					c, _ := perm.Parse(capability)
					p = s.ScopedSet(entity, c)
				default:
					p = s.EditSet(entity)
				}
				ids, err := access.NewEvaluator(snap).List(cmd.Context(), p)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					if ids == nil {
						ids = []string{}
					}
					return printJSON(cmd.OutOrStdout(), ids)
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&capability, "capability", "", "Scope by this capability")
	cmd.Flags().BoolVar(&visible, "visible", false, "List the visible set")
	return cmd
}

func entityNames() string {
	names := make([]string, 0, len(access.Entities()))
	for _, e := range access.Entities() {
		names = append(names, e.String())
	}
	return strings.Join(names, ", ")
}

func newNavCmd(backend Backend) *cobra.Command {
	var flags subjectFlags
	cmd := &cobra.Command{
		Use:   "nav <person-id> [path]",
		Short: "Print the navigation tree a person sees",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subj, err := flags.subject(args[0])
			if err != nil {
				return err
			}
			tree := nav.Default()
			return withSession(cmd.Context(), backend, subj, func(_ ledger.Snapshot, s *access.Session) error {
				node := tree.For(s.Capabilities())
				if len(args) == 2 {
					var ok bool
					if node, ok = tree.PathFor(s.Capabilities(), args[1]); !ok {
						return fmt.Errorf("%s: page not found", args[1])
					}
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), node)
				}
				printNode(cmd, node, 0)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func printNode(cmd *cobra.Command, n *nav.Node, depth int) {
	next := depth
	if n.Key != "" {
		line := strings.Repeat("  ", depth) + n.Title
		if n.URL != "" {
			line += "  " + n.URL
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
		next++
	}
	for _, c := range n.Children {
		printNode(cmd, c, next)
	}
}
