package extractor

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/dshills/newsrag/pkg/types"
)

// DefaultConfidenceThreshold is the minimum confidence for a mention to be
// indexed for filtering
const DefaultConfidenceThreshold = 0.5

// Confidence assigned per evidence kind
const (
	confFundingCompany  = 0.9
	confFundingInvestor = 0.85
	confCueCompany      = 0.6
	confCueInvestor     = 0.6
	confTitleSector     = 0.9
	confBodySector      = 0.7
	confSaidSubject     = 0.3
)

const (
	namePart     = `[A-Z][\w&'.-]*`
	companyName  = namePart + `(?:[ \t]+` + namePart + `){0,3}`
	investorName = `[A-Z0-9][\w&'-]*(?:[ \t]+[A-Z0-9&][\w&'-]*)*`
	investorList = investorName + `(?:[ \t]*,[ \t]*(?:and[ \t]+)?` + investorName + `|[ \t]+and[ \t]+` + investorName + `)*`
	money        = `(?P<currency>[$€£])[ \t]?(?P<amount>\d+(?:,\d{3})*(?:\.\d+)?)[ \t]*(?P<unit>(?i:billion|million|thousand|bn|mn|[bmk]))?\b`
	investorCue  = `(?:co-led by|led by|backed by|with participation from|participation from|investors include|invested by)`
)

var (
	raisePattern = regexp.MustCompile(`(?P<company>` + companyName + `)[ \t]+(?:has[ \t]+|have[ \t]+)?` +
		`(?:raised|raises|secured|secures|closed|closes|lands|landed|bags|bagged)[ \t]+` +
		`(?:(?:an?|its|about|nearly|over|roughly|more[ \t]+than|new|fresh|another)[ \t]+)*` + money)

	roundOfPattern = regexp.MustCompile(`(?P<company>` + companyName + `)[ \t]+(?:has[ \t]+)?` +
		`(?:announced|announces|completed|completes)[ \t]+[^.!?\n]{0,60}?\b(?:round|funding|financing)[ \t]+of[ \t]+` + money)

	roundPattern     = regexp.MustCompile(`(?i)\b(?:(pre-seed|seed|series[ -][a-h]\+?)\b|(bridge|growth|angel)[ \t]+(?:round|funding|financing)\b)`)
	investorPattern  = regexp.MustCompile(investorCue + `[ \t]+(?P<names>` + investorList + `)`)
	investorSplitter = regexp.MustCompile(`[ \t]*,[ \t]*(?:and[ \t]+)?|[ \t]+and[ \t]+`)

	companyCuePattern = regexp.MustCompile(`(?P<company>` + companyName + `)[ \t]+(?:has[ \t]+)?` +
		`(?:announced|announces|launched|launches|acquired|acquires|unveiled|unveils|partnered|introduced|released)\b`)
	saidPattern = regexp.MustCompile(`(?P<company>` + companyName + `)[ \t]+said\b`)

	isoDatePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	monthDayPattern  = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)[ \t]+\d{1,2},[ \t]*\d{4}\b`)
	dayMonthPattern  = regexp.MustCompile(`\b\d{1,2}[ \t]+(?:January|February|March|April|May|June|July|August|September|October|November|December)[ \t]+\d{4}\b`)
	dayMonthFallback = "2 January 2006"
)

// leading words that attach to a company name at sentence start
var companyStopwords = map[string]bool{
	"The": true, "Today": true, "Yesterday": true, "On": true, "In": true, "This": true,
	"Startup": true, "Meanwhile": true, "Now": true, "And": true, "But": true,
}

// sectorKeywords maps canonical sector names to their patterns
var sectorKeywords = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"AI", regexp.MustCompile(`\bAI\b|(?i:\bartificial intelligence\b)`)},
	{"Machine Learning", regexp.MustCompile(`(?i)\bmachine learning\b`)},
	{"FinTech", regexp.MustCompile(`(?i)\bfin-?tech\b`)},
	{"HealthTech", regexp.MustCompile(`(?i)\bhealth-?tech\b|\bdigital health\b`)},
	{"SaaS", regexp.MustCompile(`\bSaaS\b`)},
	{"E-commerce", regexp.MustCompile(`(?i)\be-?commerce\b`)},
	{"Cybersecurity", regexp.MustCompile(`(?i)\bcyber-?security\b`)},
	{"EdTech", regexp.MustCompile(`(?i)\bed-?tech\b`)},
	{"Climate Tech", regexp.MustCompile(`(?i)\bclimate[ -]?tech\b`)},
	{"Biotech", regexp.MustCompile(`(?i)\bbio-?tech(?:nology)?\b`)},
	{"Enterprise Software", regexp.MustCompile(`(?i)\benterprise software\b`)},
	{"Consumer", regexp.MustCompile(`(?i)\bconsumer\b`)},
}

// Input is the raw material for metadata extraction
type Input struct {
	Title        string
	Text         string
	PublishedAt  *time.Time // explicit feed metadata, preferred when set
	PublishedRaw string     // explicit but unparsed feed metadata
}

// fundingMatch is a funding event plus the spans it was read from
type fundingMatch struct {
	event     types.FundingEvent
	company   types.Span
	investors []types.Span
}

type dateCandidate struct {
	raw string
	at  time.Time
}

// Extractor pulls typed metadata out of article text. Extraction is best
// effort: it never returns an error, and a failing rule only loses its own
// output.
type Extractor struct {
	threshold float64
	logger    *slog.Logger

	fundingRules []rule[fundingMatch]
	mentionRules []rule[[]types.EntityMention]
	dateRules    []rule[dateCandidate]
}

// Option configures an Extractor
type Option func(*Extractor)

// WithConfidenceThreshold sets the minimum confidence for filter-eligible mentions
func WithConfidenceThreshold(threshold float64) Option {
	return func(e *Extractor) {
		e.threshold = threshold
	}
}

// WithLogger sets the logger used for rule failures
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// New creates an Extractor with the built-in rule set
func New(opts ...Option) *Extractor {
	e := &Extractor{
		threshold: DefaultConfidenceThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extractor")

	e.fundingRules = []rule[fundingMatch]{
		{name: "funding.raised", pattern: raisePattern, mapper: fundingMapper(raisePattern)},
		{name: "funding.round_of", pattern: roundOfPattern, mapper: fundingMapper(roundOfPattern)},
	}
	e.mentionRules = []rule[[]types.EntityMention]{
		{name: "company.cue", pattern: companyCuePattern, mapper: companyMapper(companyCuePattern, confCueCompany)},
		{name: "company.said", pattern: saidPattern, mapper: companyMapper(saidPattern, confSaidSubject)},
		{name: "investor.cue", pattern: investorPattern, mapper: investorMapper},
	}
	e.dateRules = []rule[dateCandidate]{
		{name: "date.iso", pattern: isoDatePattern, mapper: dateMapper},
		{name: "date.month_day", pattern: monthDayPattern, mapper: dateMapper},
		{name: "date.day_month", pattern: dayMonthPattern, mapper: dateMapper},
	}
	return e
}

// Threshold returns the confidence threshold for filter-eligible mentions
func (e *Extractor) Threshold() float64 {
	return e.threshold
}

// Extract returns the metadata found in the input. Spans index into
// Title + "\n\n" + Text.
func (e *Extractor) Extract(in Input) types.Metadata {
	full := in.Title
	if in.Text != "" {
		full += "\n\n" + in.Text
	}
	titleEnd := len(in.Title)

	var md types.Metadata
	var mentions []types.EntityMention

	// The same event often appears in the headline and the body; later
	// sightings fill in fields the earlier ones lacked.
	events := make(map[string]int)
	for _, r := range e.fundingRules {
		for _, fm := range r.apply(full, e.logger) {
			mentions = append(mentions, types.EntityMention{
				Type: types.EntityCompany, Value: fm.event.Company, Confidence: confFundingCompany, Span: fm.company,
			})
			for i, inv := range fm.event.Investors {
				mentions = append(mentions, types.EntityMention{
					Type: types.EntityInvestor, Value: inv, Confidence: confFundingInvestor, Span: fm.investors[i],
				})
			}

			key := strings.ToLower(fm.event.Company) + "|" + strconv.FormatInt(fm.event.Amount, 10)
			i, seen := events[key]
			if !seen {
				events[key] = len(md.FundingEvents)
				md.FundingEvents = append(md.FundingEvents, fm.event)
				continue
			}
			existing := &md.FundingEvents[i]
			if existing.Round == "" {
				existing.Round = fm.event.Round
			}
			if len(existing.Investors) == 0 {
				existing.Investors = fm.event.Investors
			}
		}
	}

	for _, r := range e.mentionRules {
		for _, found := range r.apply(full, e.logger) {
			mentions = append(mentions, found...)
		}
	}
	mentions = append(mentions, sectorMentions(full, titleEnd)...)

	md.Mentions = mergeMentions(mentions)
	for _, m := range md.Mentions {
		if m.Confidence < e.threshold {
			continue
		}
		switch m.Type {
		case types.EntityCompany:
			md.Companies = append(md.Companies, m.Value)
		case types.EntityInvestor:
			md.Investors = append(md.Investors, m.Value)
		case types.EntitySector:
			md.Sectors = append(md.Sectors, m.Value)
		}
	}

	md.PublishedAt, md.DateSource = e.resolveDate(in, full)
	return md
}

// resolveDate picks the canonical published date, preferring explicit
// metadata over dates found in the text
func (e *Extractor) resolveDate(in Input, full string) (*time.Time, string) {
	if in.PublishedAt != nil && !in.PublishedAt.IsZero() {
		t := in.PublishedAt.UTC()
		return &t, "metadata"
	}
	if raw := strings.TrimSpace(in.PublishedRaw); raw != "" {
		if t, ok := parseDate(raw); ok {
			return &t, "metadata"
		}
		e.logger.Debug("unparseable published date", "raw", raw)
	}

	type positioned struct {
		pos int
		at  time.Time
	}
	var candidates []positioned
	for _, r := range e.dateRules {
		for _, match := range r.pattern.FindAllStringIndex(full, -1) {
			if dc, ok := r.mapSafe(full, match, e.logger); ok {
				candidates = append(candidates, positioned{pos: match[0], at: dc.at})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].pos < candidates[j].pos
	})
	t := candidates[0].at
	return &t, "text"
}

func fundingMapper(re *regexp.Regexp) func(text string, match []int) (fundingMatch, bool) {
	return func(text string, match []int) (fundingMatch, bool) {
		rawCompany, cs, ce := group(re, text, match, "company")
		company, offset := cleanCompany(rawCompany)
		if company == "" {
			return fundingMatch{}, false
		}

		fm := fundingMatch{
			event:   types.FundingEvent{Company: company},
			company: types.Span{Start: cs + offset, End: ce},
		}

		symbol, _, _ := group(re, text, match, "currency")
		amount, _, _ := group(re, text, match, "amount")
		unit, _, _ := group(re, text, match, "unit")
		if value, ok := parseAmount(amount, unit); ok {
			fm.event.Amount = value
			fm.event.Currency = currencyCode(symbol)
		}

		start, end := sentenceBounds(text, match[0], match[1])
		sentence := text[start:end]
		fm.event.Round = findRound(sentence)
		for _, inv := range findInvestors(sentence) {
			fm.event.Investors = append(fm.event.Investors, inv.value)
			fm.investors = append(fm.investors, types.Span{Start: start + inv.start, End: start + inv.end})
		}
		return fm, true
	}
}

func companyMapper(re *regexp.Regexp, confidence float64) func(text string, match []int) ([]types.EntityMention, bool) {
	return func(text string, match []int) ([]types.EntityMention, bool) {
		raw, s, e := group(re, text, match, "company")
		company, offset := cleanCompany(raw)
		if company == "" {
			return nil, false
		}
		return []types.EntityMention{{
			Type:       types.EntityCompany,
			Value:      company,
			Confidence: confidence,
			Span:       types.Span{Start: s + offset, End: e},
		}}, true
	}
}

func investorMapper(text string, match []int) ([]types.EntityMention, bool) {
	names, s, _ := group(investorPattern, text, match, "names")
	if names == "" {
		return nil, false
	}
	var mentions []types.EntityMention
	for _, inv := range splitInvestors(names) {
		mentions = append(mentions, types.EntityMention{
			Type:       types.EntityInvestor,
			Value:      inv.value,
			Confidence: confCueInvestor,
			Span:       types.Span{Start: s + inv.start, End: s + inv.end},
		})
	}
	return mentions, len(mentions) > 0
}

func dateMapper(text string, match []int) (dateCandidate, bool) {
	raw := text[match[0]:match[1]]
	t, ok := parseDate(raw)
	if !ok {
		return dateCandidate{}, false
	}
	return dateCandidate{raw: raw, at: t}, true
}

// parseDate parses a date string with the fuzzy parser, in UTC
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if t, err := dateparse.ParseIn(raw, time.UTC); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(dayMonthFallback, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

type namedSpan struct {
	value      string
	start, end int
}

func findRound(sentence string) string {
	m := roundPattern.FindStringSubmatch(sentence)
	if m == nil {
		return ""
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	return canonicalRound(raw)
}

func canonicalRound(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case lower == "pre-seed":
		return "Pre-Seed"
	case strings.HasPrefix(lower, "series"):
		return "Series " + strings.ToUpper(strings.TrimSpace(lower[len("series")+1:]))
	default:
		return strings.ToUpper(lower[:1]) + lower[1:]
	}
}

func findInvestors(sentence string) []namedSpan {
	var found []namedSpan
	seen := make(map[string]bool)
	for _, match := range investorPattern.FindAllStringSubmatchIndex(sentence, -1) {
		names, s, _ := group(investorPattern, sentence, match, "names")
		for _, inv := range splitInvestors(names) {
			key := strings.ToLower(inv.value)
			if seen[key] {
				continue
			}
			seen[key] = true
			inv.start += s
			inv.end += s
			found = append(found, inv)
		}
	}
	return found
}

// splitInvestors splits "A, B and C" into names with offsets relative to list
func splitInvestors(list string) []namedSpan {
	var names []namedSpan
	pos := 0
	for _, sep := range investorSplitter.FindAllStringIndex(list, -1) {
		if name := strings.TrimSpace(list[pos:sep[0]]); name != "" {
			names = append(names, namedSpan{value: name, start: pos, end: sep[0]})
		}
		pos = sep[1]
	}
	if name := strings.TrimSpace(list[pos:]); name != "" {
		names = append(names, namedSpan{value: name, start: pos, end: len(list)})
	}
	return names
}

// cleanCompany strips sentence-leading words and "X-based" prefixes, returning
// the byte offset of the kept name within raw
func cleanCompany(raw string) (string, int) {
	offset := 0
	if i := strings.LastIndex(raw, "-based "); i >= 0 {
		offset = i + len("-based ")
	}
	for {
		rest := raw[offset:]
		word, after, found := strings.Cut(rest, " ")
		if !found || !companyStopwords[word] {
			break
		}
		offset += len(word) + 1 + (len(after) - len(strings.TrimLeft(after, " \t")))
	}
	return strings.TrimRight(strings.TrimSpace(raw[offset:]), ".'-"), offset
}

// sentenceBounds returns the sentence around [start, end)
func sentenceBounds(text string, start, end int) (int, int) {
	s := 0
	for i := start - 1; i > 0; i-- {
		if text[i] == '\n' || (isSpace(text[i]) && isTerminal(text[i-1])) {
			s = i + 1
			break
		}
	}
	e := len(text)
	for i := end; i < len(text); i++ {
		if text[i] == '\n' {
			e = i
			break
		}
		if isTerminal(text[i]) && (i+1 == len(text) || isSpace(text[i+1])) {
			e = i + 1
			break
		}
	}
	return s, e
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func parseAmount(amount, unit string) (int64, bool) {
	if amount == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(amount, ",", ""), 64)
	if err != nil {
		return 0, false
	}

	switch strings.ToLower(unit) {
	case "k", "thousand":
		value *= 1e3
	case "m", "mn", "million":
		value *= 1e6
	case "b", "bn", "billion":
		value *= 1e9
	}
	return int64(value + 0.5), true
}

func currencyCode(symbol string) string {
	switch symbol {
	case "$":
		return "USD"
	case "€":
		return "EUR"
	case "£":
		return "GBP"
	}
	return ""
}

func sectorMentions(full string, titleEnd int) []types.EntityMention {
	var mentions []types.EntityMention
	for _, kw := range sectorKeywords {
		loc := kw.pattern.FindStringIndex(full)
		if loc == nil {
			continue
		}
		confidence := confBodySector
		if loc[0] < titleEnd {
			confidence = confTitleSector
		}
		mentions = append(mentions, types.EntityMention{
			Type:       types.EntitySector,
			Value:      kw.name,
			Confidence: confidence,
			Span:       types.Span{Start: loc[0], End: loc[1]},
		})
	}
	return mentions
}

// mergeMentions collapses duplicates by type and value, keeping the highest
// confidence and the order of first appearance
func mergeMentions(mentions []types.EntityMention) []types.EntityMention {
	index := make(map[string]int)
	var merged []types.EntityMention
	for _, m := range mentions {
		key := string(m.Type) + "|" + strings.ToLower(m.Value)
		if i, ok := index[key]; ok {
			if m.Confidence > merged[i].Confidence {
				merged[i].Confidence = m.Confidence
				merged[i].Span = m.Span
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, m)
	}
	return merged
}
