package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"libralend/internal/clients"
)

// Outcome labels of a stress run.
const (
	outcomeBorrowed = "borrowed"
	outcomeRejected = "rejected"
	outcomeConflict = "conflict"
	outcomeFailed   = "failed"
	// Members the server refused to register under REGISTRATION_RATE.
	outcomeRateLimited = "rate_limited"
)

func newStressCmd(opts *options) *cobra.Command {
	var book string
	var members, concurrency int
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Borrow one book concurrently from many new members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID("book id", book)
			if err != nil {
				return err
			}
			tally, err := stress(cmd.Context(), opts.client, bookID, members, concurrency)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(tally))
			for k := range tally {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", k, tally[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&book, "book", "", "book id to borrow")
	cmd.Flags().IntVar(&members, "members", 10, "number of members to register and borrow with; registrations past the server's REGISTRATION_RATE per minute are tallied as rate_limited")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel borrows, 0 for one per member")
	cmd.MarkFlagRequired("book")
	return cmd
}

// stress registers n members and has each borrow bookID at the same time.
// It returns how many borrows ended in each outcome. Once the server rate
// limits registration the remaining members count as rate_limited and the
// run continues with those already registered.
func stress(ctx context.Context, c *clients.LendingClient, bookID uuid.UUID, n, concurrency int) (map[string]int, error) {
	tally := make(map[string]int)
	ids := make([]uuid.UUID, 0, n)
	run := uuid.NewString()[:8]
	for i := 0; i < n; i++ {
		m, err := c.RegisterMember(ctx, fmt.Sprintf("stress-%s-%d", run, i))
		if clients.StatusOf(err) == http.StatusTooManyRequests {
			tally[outcomeRateLimited] = n - i
			break
		}
		if err != nil {
			return nil, fmt.Errorf("register member %d: %w", i, err)
		}
		ids = append(ids, m.ID)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, id := range ids {
		g.Go(func() error {
			_, err := c.Borrow(ctx, id, bookID)
			outcome := outcomeOf(err)
			mu.Lock()
			tally[outcome]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tally, nil
}

func outcomeOf(err error) string {
	switch status := clients.StatusOf(err); {
	case err == nil:
		return outcomeBorrowed
	case status == http.StatusBadRequest:
		return outcomeRejected
	case status == http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeFailed
	}
}
