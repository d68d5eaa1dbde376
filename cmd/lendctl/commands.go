package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"libralend/internal/clients"
)

type options struct {
	server  string
	timeout time.Duration
	client  *clients.LendingClient
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "lendctl",
		Short:         "Command line client for the libralend API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.client = clients.NewLendingClient(clients.Config{
				BaseURL: opts.server,
				Timeout: opts.timeout,
			}, zap.NewNop())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("LIBRALEND_URL", "http://localhost:8080"), "libralend base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(
		newBorrowCmd(opts),
		newReturnCmd(opts),
		newListCmd(opts),
		newTitlesCmd(opts),
		newCountsCmd(opts),
		newVerifyCmd(opts),
		newStressCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBorrowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "borrow MEMBER_ID BOOK_ID",
		Short: "Borrow one copy of a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID("member id", args[0])
			if err != nil {
				return err
			}
			bookID, err := parseID("book id", args[1])
			if err != nil {
				return err
			}
			id, err := opts.client.Borrow(cmd.Context(), memberID, bookID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newReturnCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "return BORROW_ID",
		Short: "Return a borrowed book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("borrow id", args[0])
			if err != nil {
				return err
			}
			return opts.client.Return(cmd.Context(), id)
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var member, name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the open borrows of a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case member != "" && name != "":
				return errors.New("use either --member or --name")
			case member != "":
				id, err := parseID("member id", member)
				if err != nil {
					return err
				}
				records, err := opts.client.MemberBorrows(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			case name != "":
				records, err := opts.client.MemberBorrowsByName(cmd.Context(), name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			default:
				return errors.New("one of --member or --name is required")
			}
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().StringVar(&name, "name", "", "member name")
	return cmd
}

func newTitlesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "titles",
		Short: "List the distinct titles currently borrowed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			titles, err := opts.client.DistinctTitles(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range titles {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func newCountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count open borrows per title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := opts.client.TitleCounts(cmd.Context())
			if err != nil {
				return err
			}
			titles := make([]string, 0, len(counts))
			for t := range counts {
				titles = append(titles, t)
			}
			sort.Strings(titles)
			for _, t := range titles {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", counts[t], t)
			}
			return nil
		},
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the ledger invariants on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d invariant violations", len(report.Violations))
			}
			return nil
		},
	}
}
