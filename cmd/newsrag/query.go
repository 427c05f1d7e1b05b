package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/newsrag/internal/filter"
	"github.com/dshills/newsrag/internal/service"
	"github.com/dshills/newsrag/pkg/types"
)

var (
	queryTopK      int
	queryRerank    bool
	queryVector    bool
	queryDate      string
	querySince     string
	queryUntil     string
	queryCompanies []string
	queryInvestors []string
	querySectors   []string
	queryJSON      bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search ingested news",
	Long: `Search ingested articles with BM25 and vector retrieval fused by
reciprocal rank fusion. Results can be narrowed by publication date and by
the companies, investors and sectors extracted from each article.

Examples:
  newsrag query "robotics seed rounds" --date last_month
  newsrag query "Series A" --company Acme --investor A16Z --rerank`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.IntVarP(&queryTopK, "limit", "n", 0, "maximum number of results (default from config)")
	f.BoolVar(&queryRerank, "rerank", false, "rerank fused candidates")
	f.BoolVar(&queryVector, "vector-only", false, "skip BM25 and use vector similarity only")
	f.StringVar(&queryDate, "date", "", "date preset such as today, last_week or last_month")
	f.StringVar(&querySince, "since", "", "earliest publication date")
	f.StringVar(&queryUntil, "until", "", "latest publication date (whole day included)")
	f.StringSliceVar(&queryCompanies, "company", nil, "only articles mentioning this company")
	f.StringSliceVar(&queryInvestors, "investor", nil, "only articles mentioning this investor")
	f.StringSliceVar(&querySectors, "sector", nil, "only articles in this sector")
	f.BoolVar(&queryJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(cmd.Context()); err != nil {
		return err
	}

	req := service.QueryRequest{
		Text:           strings.Join(args, " "),
		TopK:           queryTopK,
		UseReranking:   queryRerank,
		CompanyFilter:  queryCompanies,
		InvestorFilter: queryInvestors,
		SectorFilter:   querySectors,
	}
	if queryVector {
		hybrid := false
		req.UseHybridSearch = &hybrid
	}
	if queryDate != "" || querySince != "" || queryUntil != "" {
		req.DateFilter = &filter.DateFilter{Preset: queryDate, Start: querySince, End: queryUntil}
	}

	resp, err := svc.Query(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if resp.Degraded {
		cmd.Printf("(degraded: %s)\n", strings.Join(resp.DegradedReasons, ", "))
	}
	if len(resp.Results) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	for i := range resp.Results {
		printResult(cmd, i+1, &resp.Results[i])
	}
	cmd.Printf("%d results (%s, %s)\n", len(resp.Results), resp.SearchMode, resp.Duration.Round(time.Millisecond))
	return nil
}

func printResult(cmd *cobra.Command, rank int, r *types.RankedResult) {
	title := r.Title
	if title == "" {
		title = r.DocumentID
	}

	cmd.Printf("  [%d] %s (%.4f)\n", rank, title, r.FusedScore)
	if r.RerankScore != nil {
		cmd.Printf("      rerank: %.3f\n", *r.RerankScore)
	}
	if r.SourceURL != "" {
		cmd.Printf("      %s\n", r.SourceURL)
	}
	if r.Metadata.PublishedAt != nil {
		cmd.Printf("      published: %s\n", r.Metadata.PublishedAt.Format("2006-01-02"))
	}
	if len(r.Metadata.Companies) > 0 {
		cmd.Printf("      companies: %s\n", strings.Join(r.Metadata.Companies, ", "))
	}
	cmd.Printf("      %s\n", snippet(r.Text, 200))
	cmd.Println()
}

func snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
