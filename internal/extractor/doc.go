// Package extractor pulls structured metadata out of news articles.
//
// Extraction is driven by an explicit set of typed rules. Each rule pairs a
// compiled pattern with a mapper that converts one match into an optional
// typed result: a funding event, a set of entity mentions, or a date
// candidate. Rules run independently. A mapper that cannot make sense of a
// match drops only that match, so extraction never fails a document.
//
// # Output
//
//	md := extractor.New().Extract(extractor.Input{
//	    Title: "Acme raises $10M",
//	    Text:  "Acme raised $10M Series A led by A16Z.",
//	})
//	// md.FundingEvents[0] == {Company: "Acme", Amount: 10000000,
//	//     Currency: "USD", Round: "Series A", Investors: ["A16Z"]}
//
// Every recognized entity is kept in Metadata.Mentions with a confidence.
// Only mentions at or above the confidence threshold are copied into the
// Companies, Investors and Sectors lists that the filter engine matches on.
//
// The published date prefers explicit feed metadata. Dates found in the text
// are used only when the feed carried none, earliest position first.
package extractor
