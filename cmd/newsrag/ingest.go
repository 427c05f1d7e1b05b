package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/newsrag/internal/service"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

var (
	ingestTimeout time.Duration
	ingestNoWait  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [feed-url]",
	Short: "Poll a feed once and process its articles",
	Long: `Poll a feed and wait until every new or changed article has been
chunked, embedded and indexed. The feed is registered first when the URL
is not known yet.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "give up waiting after this long")
	ingestCmd.Flags().BoolVar(&ingestNoWait, "no-wait", false, "return after the poll without waiting for processing")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
	defer cancel()

	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	feed, err := svc.GetFeedByURL(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		feed, err = svc.RegisterFeed(ctx, service.RegisterFeedRequest{URL: args[0]})
	}
	if err != nil {
		return err
	}

	run, err := svc.TriggerIngestion(ctx, feed.ID)
	if err != nil {
		return err
	}
	result, err := run.Wait(ctx)
	if err != nil {
		return err
	}
	if result.PollError != "" {
		return fmt.Errorf("poll %s: %s", feed.URL, result.PollError)
	}

	cmd.Printf("Polled %s: %d items, %d new, %d updated, %d unchanged, %d failed\n",
		feed.Name, result.ItemsSeen, result.DocumentsCreated, result.DocumentsUpdated,
		result.DocumentsUnchanged, result.ItemsFailed)
	for _, msg := range result.Errors {
		cmd.Printf("  error: %s\n", msg)
	}
	if ingestNoWait || len(result.DocumentIDs) == 0 {
		return nil
	}

	docs, err := svc.WaitForDocuments(ctx, result.DocumentIDs)
	if err != nil {
		return fmt.Errorf("waiting for documents: %w", err)
	}

	var ready, failed int
	for _, doc := range docs {
		switch doc.Status {
		case types.StatusReady:
			ready++
		case types.StatusFailed:
			failed++
			cmd.Printf("  failed: %s (%s: %s)\n", doc.SourceURL, doc.FailureReason, doc.FailureMessage)
		}
	}
	cmd.Printf("Processed %d documents: %d ready, %d failed\n", len(docs), ready, failed)
	return nil
}
