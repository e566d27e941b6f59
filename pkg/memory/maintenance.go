package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/vsf-health/vsf-agent/internal/vectorstore"
)

const (
	summaryTemperature = 0.7
	// summaryInputTokenLimit caps how much temp journal content is sent to
	// the model in one summarization request.
	summaryInputTokenLimit = 6000
	summaryEncoding        = "cl100k_base"
)

const summaryPromptTemplate = `You are a memory maintenance assistant. Write a concise 2-3 sentence summary of the user's day based on the notes below. Keep concrete facts such as names, plans, preferences and health details, and drop small talk.

Notes:
%s

Summary:`

// Report describes the outcome of one maintenance run.
type Report struct {
	Success        bool     `json:"success"`
	Date           string   `json:"date"`
	StoreAdded     int      `json:"store_added"`
	Summary        string   `json:"summary,omitempty"`
	JournalCleaned int      `json:"journal_cleaned"`
	StoreCleaned   int      `json:"store_cleaned"`
	TempCleared    bool     `json:"temp_cleared"`
	Errors         []string `json:"errors"`
}

// Maintenance is the daily job that condenses the temp journal into a
// summary line, prunes both the journal and the vector store to the
// retention window, and clears the temp journal.
type Maintenance struct {
	mem       *LongTerm
	model     llms.Model
	retention int
	log       *logrus.Logger
	now       func() time.Time
}

// NewMaintenance creates the job. The model may be nil; summaries then fall
// back to the raw temp content.
func NewMaintenance(mem *LongTerm, model llms.Model, retention int, log *logrus.Logger) *Maintenance {
	return &Maintenance{
		mem:       mem,
		model:     model,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// Run executes the maintenance flow. Every step is attempted even when an
// earlier one fails; failures are collected into the report.
func (m *Maintenance) Run(ctx context.Context) Report {
	report := Report{Date: m.now().Format(DateLayout), Errors: []string{}}

	tempContent, err := m.mem.Temp().Read()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to read temp journal: %v", err))
	}
	if strings.TrimSpace(tempContent) != "" {
		summary := m.summarize(ctx, tempContent)
		report.Summary = summary
		if err := m.mem.Journal().Append(m.now().Format(TimeLayout), summary); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("failed to append summary: %v", err))
		} else {
			m.log.WithField("summary", summary).Info("Appended daily summary")
		}
	} else {
		m.log.Info("Temp journal empty, nothing to summarize")
	}

	removed, err := m.pruneJournal()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to prune journal: %v", err))
	}
	report.JournalCleaned = removed

	if m.mem.Store() != nil {
		cleaned, err := m.pruneStore(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("failed to prune vector store: %v", err))
		}
		report.StoreCleaned = cleaned
	}

	if err := m.mem.Temp().Clear(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to clear temp journal: %v", err))
	} else {
		report.TempCleared = true
	}

	report.Success = len(report.Errors) == 0
	return report
}

// summarize asks the model for a short summary of the day. Without a model,
// or when the call fails, the raw content stands in as the summary.
func (m *Maintenance) summarize(ctx context.Context, content string) string {
	fallback := strings.TrimSpace(content)
	if m.model == nil {
		return fallback
	}
	prompt := fmt.Sprintf(summaryPromptTemplate, truncateTokens(content, summaryInputTokenLimit))
	summary, err := llms.GenerateFromSinglePrompt(ctx, m.model, prompt, llms.WithTemperature(summaryTemperature))
	if err != nil {
		m.log.WithError(err).Warn("Summarization failed, keeping raw notes")
		return fallback
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fallback
	}
	return summary
}

// pruneJournal keeps only the newest retention days of journal lines and
// returns how many lines were dropped.
func (m *Maintenance) pruneJournal() (int, error) {
	entries, err := m.mem.Journal().Entries()
	if err != nil {
		return 0, err
	}
	dates := distinctDatesDesc(entries)
	if len(dates) <= m.retention {
		return 0, nil
	}
	keep := make(map[string]bool, m.retention)
	for _, d := range dates[:m.retention] {
		keep[d] = true
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if keep[e.Date] {
			kept = append(kept, e)
		}
	}
	if err := m.mem.Journal().Rewrite(kept); err != nil {
		return 0, err
	}
	removed := len(entries) - len(kept)
	m.log.WithFields(logrus.Fields{"removed": removed, "kept_days": m.retention}).Info("Pruned journal")
	return removed, nil
}

// pruneStore deletes vector store points older than the retention window
// and returns how many points were removed.
func (m *Maintenance) pruneStore(ctx context.Context) (int, error) {
	store := m.mem.Store()
	dates, err := store.Dates(ctx, m.mem.Collection())
	if err != nil {
		return 0, err
	}
	if len(dates) <= m.retention {
		return 0, nil
	}
	total := 0
	for _, d := range dates[m.retention:] {
		n, err := store.DeleteByDate(ctx, m.mem.Collection(), d)
		total += n
		if err != nil {
			return total, err
		}
	}
	m.log.WithFields(logrus.Fields{"removed": total, "kept_days": m.retention}).Info("Pruned vector store")
	return total, nil
}

// Backfill indexes every pending temp journal line into the vector store.
// The live save path already mirrors facts as they arrive, so this only
// matters for journals written while the store was offline.
func (m *Maintenance) Backfill(ctx context.Context) (int, error) {
	store := m.mem.Store()
	embedder := m.mem.Embedder()
	if store == nil || embedder == nil {
		return 0, ErrStoreUnavailable
	}
	entries, err := m.mem.Temp().Entries()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	count, err := store.Count(ctx, m.mem.Collection())
	if err != nil {
		return 0, err
	}
	points := make([]vectorstore.Point, 0, len(entries))
	for i, e := range entries {
		vector, err := embedder.Embed(ctx, e.Text)
		if err != nil {
			return 0, fmt.Errorf("failed to embed entry %d: %w", i+1, err)
		}
		points = append(points, vectorstore.Point{
			ID:     count + 1 + i,
			Vector: vector,
			Payload: map[string]string{
				"text":                   e.FullLine,
				"text_without_timestamp": e.Text,
				"timestamp":              e.Timestamp,
				"date":                   e.Date,
				"created_at":             m.now().Format(time.RFC3339),
			},
		})
	}
	if err := store.Upsert(ctx, m.mem.Collection(), points); err != nil {
		return 0, err
	}
	return len(points), nil
}

// distinctDatesDesc returns the unique entry dates, newest first.
func distinctDatesDesc(entries []Entry) []string {
	seen := make(map[string]bool)
	var dates []string
	for _, e := range entries {
		if e.Date == "" || seen[e.Date] {
			continue
		}
		seen[e.Date] = true
		dates = append(dates, e.Date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

// truncateTokens trims text to at most limit tokens. When the tokenizer is
// unavailable the text passes through unchanged.
func truncateTokens(text string, limit int) string {
	enc, err := tiktoken.GetEncoding(summaryEncoding)
	if err != nil {
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= limit {
		return text
	}
	return enc.Decode(tokens[:limit])
}
