/*
Package service is the core newsrag API that the MCP server and the CLI
drive.

A Service ties together the feed registry in storage, the ingestion
pipeline (scheduler, per-feed polls, the worker pool running the document
state machine) and the searcher. New only wires the pieces; Start rebuilds
the in-memory BM25 index from committed chunks and launches the workers.

	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	svc, err := service.New(cfg, service.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	feed, err := svc.RegisterFeed(ctx, service.RegisterFeedRequest{URL: "https://example.com/rss"})
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
	_, _ = svc.WaitForDocuments(ctx, result.DocumentIDs)

	resp, err := svc.Query(ctx, service.QueryRequest{
		Text:          "Acme funding",
		CompanyFilter: []string{"Acme"},
	})

Operations return storage.ErrNotFound for unknown ids and
types.ErrConfiguration for invalid input.
*/
package service
