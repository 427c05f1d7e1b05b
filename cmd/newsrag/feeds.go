package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/newsrag/internal/service"
	"github.com/dshills/newsrag/pkg/types"
)

var (
	feedName      string
	feedFrequency string
	feedsJSON     bool
)

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage registered feeds",
}

var feedsAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedsAdd,
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered feeds",
	Args:  cobra.NoArgs,
	RunE:  runFeedsList,
}

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove [feed-id]",
	Short: "Remove a feed and tombstone its documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedsRemove,
}

var feedsPauseCmd = &cobra.Command{
	Use:   "pause [feed-id]",
	Short: "Stop scheduled polling of a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFeedStatus(cmd, args[0], (*service.Service).PauseFeed)
	},
}

var feedsResumeCmd = &cobra.Command{
	Use:   "resume [feed-id]",
	Short: "Resume scheduled polling of a paused feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFeedStatus(cmd, args[0], (*service.Service).ResumeFeed)
	},
}

func init() {
	feedsAddCmd.Flags().StringVar(&feedName, "name", "", "display name (default: feed host)")
	feedsAddCmd.Flags().StringVar(&feedFrequency, "frequency", types.FrequencyHourly, "hourly, daily or a duration such as 30m")
	feedsListCmd.Flags().BoolVar(&feedsJSON, "json", false, "output feeds as JSON")

	feedsCmd.AddCommand(feedsAddCmd, feedsListCmd, feedsRemoveCmd, feedsPauseCmd, feedsResumeCmd)
	rootCmd.AddCommand(feedsCmd)
}

func runFeedsAdd(cmd *cobra.Command, args []string) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	feed, err := svc.RegisterFeed(cmd.Context(), service.RegisterFeedRequest{
		Name:            feedName,
		URL:             args[0],
		UpdateFrequency: feedFrequency,
	})
	if err != nil {
		return fmt.Errorf("register feed: %w", err)
	}

	cmd.Printf("Registered %s (%s)\n", feed.Name, feed.ID)
	return nil
}

func runFeedsList(cmd *cobra.Command, _ []string) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	feeds, err := svc.ListFeeds(cmd.Context())
	if err != nil {
		return err
	}

	if feedsJSON {
		data, err := json.MarshalIndent(feeds, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal feeds: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(feeds) == 0 {
		cmd.Println("No feeds registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEVERY\tLAST FETCHED\tURL")
	for _, f := range feeds {
		last := "never"
		if f.LastFetchedAt != nil {
			last = f.LastFetchedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.Name, f.Status, f.Interval, last, f.URL)
	}
	return w.Flush()
}

func runFeedsRemove(cmd *cobra.Command, args []string) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.RemoveFeed(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("remove feed: %w", err)
	}
	cmd.Printf("Removed feed %s, %d documents tombstoned\n", args[0], n)
	return nil
}

type feedStatusFunc func(*service.Service, context.Context, string) (*types.Feed, error)

func setFeedStatus(cmd *cobra.Command, feedID string, fn feedStatusFunc) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	feed, err := fn(svc, cmd.Context(), feedID)
	if err != nil {
		return err
	}
	cmd.Printf("Feed %s is %s\n", feed.ID, feed.Status)
	return nil
}
