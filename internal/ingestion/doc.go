// Package ingestion turns feed items into searchable documents.
//
// An Ingestor polls a feed through a FeedSource and upserts each item as a
// pending document, keyed by (feed, source URL) and deduplicated by content
// hash. A Pool dispatches pending documents to a bounded set of workers,
// each of which runs one document through the state machine:
//
//	pending -> processing -> chunked -> embedded -> ready
//	               |            |           |
//	               +------------+-----------+--> failed -> pending
//
// Every persisted status change is a compare-and-set on the previous status,
// and a worker holds a per-document lease from the LockManager for the whole
// run. Chunks and their partial embeddings are staged in storage, so a retry
// resumes where the previous attempt stopped and only embeds the chunks
// that are still missing. The live chunk set and the lexical postings are
// replaced only when the new set is complete. A document whose content
// reverts to the committed version goes straight from processing to ready.
//
// Failed documents carry a reason code and are retried with exponential
// backoff until the retry budget runs out. Content errors are terminal
// immediately.
//
// # Usage
//
//	proc := ingestion.NewProcessor(store, ingestion.NewHTMLExtractor(), ext, ch, emb, index, ingestion.ProcessorConfig{})
//	pool, err := ingestion.NewPool(proc, store, ingestion.PoolConfig{Concurrency: 4})
//	if err != nil {
//	    return err
//	}
//	proc.Locks().Start()
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	ingestor := ingestion.NewIngestor(store, ingestion.NewGoFeedSource(), pool)
//	run, err := ingestor.TriggerIngestion(ctx, feedID)
//	if err != nil {
//	    return err
//	}
//	result, err := run.Wait(ctx)
//
// A Scheduler triggers due feeds on a cron tick.
package ingestion
