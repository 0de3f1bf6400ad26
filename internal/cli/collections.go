package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/admin"
	"github.com/roach88/offsync/internal/syncerr"
)

// NewCollectionsCommand creates the collections command.
func NewCollectionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List cached collections",
		Long: `List every declared collection with its cached snapshot size and
save time. Collections never fetched are shown as "never saved".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollections(cmd, rootOpts)
		},
	}
}

func runCollections(cmd *cobra.Command, opts *RootOptions) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	infos, err := s.client.Store.Collections(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list collections", err)
	}
	entries := make([]admin.CollectionEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, admin.NewCollectionEntry(info))
	}

	out := newFormatter(cmd, opts)
	if out.JSON() {
		return out.Success(entries)
	}

	w := cmd.OutOrStdout()
	for _, e := range entries {
		saved := "never saved"
		if e.SavedAt != nil {
			saved = "saved " + e.SavedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-20s %5d  %s\n", e.Name, e.Count, saved)
	}
	return nil
}

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	CacheOnly bool
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <collection>",
		Short: "Read a collection network-first",
		Long: `Read a collection from the remote, falling back to the cached snapshot.

A successful network read replaces the cached snapshot.

Exit codes:
  0 - Items returned (from the network or the cache)
  1 - Network failed and nothing is cached, or credentials expired
  2 - Command error

Examples:
  offsync read users
  offsync read sessions --cache-only
  offsync read users --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.CacheOnly, "cache-only", false, "serve the cached snapshot without contacting the remote")

	return cmd
}

func runRead(cmd *cobra.Command, opts *ReadOptions, collection string) error {
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	out := newFormatter(cmd, opts.RootOptions)

	var items admin.CollectionItems
	if opts.CacheOnly {
		raws, err := s.client.Store.GetAll(ctx, collection)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read cache", err)
		}
		items = admin.CollectionItems{Name: collection, Source: "cache", Items: raws}
		info, err := s.client.Store.SnapshotInfo(ctx, collection)
		if err == nil && info.Saved() {
			t := info.SavedAt.UTC()
			items.CachedAt = &t
		}
	} else {
		res, err := s.client.Read(ctx, collection)
		if err != nil {
			code := string(syncerr.CodeOf(err))
			if code == "" {
				code = "E_READ"
			}
			_ = out.Error(code, err.Error(), nil)
			return WrapExitError(ExitFailure, "read "+collection, err)
		}
		items = admin.NewCollectionItems(collection, res)
	}

	if out.JSON() {
		return out.Success(items)
	}

	w := cmd.OutOrStdout()
	header := fmt.Sprintf("%s (%s, %d items)", items.Name, items.Source, len(items.Items))
	if items.Source == "cache" && items.CachedAt != nil {
		header += " cached " + items.CachedAt.Format(time.RFC3339)
	}
	fmt.Fprintln(w, header)
	if items.NetworkErr != "" {
		out.VerboseLog("network error: %s", items.NetworkErr)
	}
	for _, item := range items.Items {
		fmt.Fprintf(w, "  %s\n", item)
	}
	return nil
}
