// Package memory implements the agent's layered memory: a short-term
// conversation window, append-only long-term journals on disk, and a vector
// index over journal facts.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// TimeLayout is the timestamp format used in journal lines.
	TimeLayout = "2006-01-02 15:04:05"
	// DateLayout is the day format used for retention grouping.
	DateLayout = "2006-01-02"
)

var lineRe = regexp.MustCompile(`\[([\d\-]+\s+[\d:]+)\]\s*(.*)`)

// Entry is one parsed journal line.
type Entry struct {
	// Timestamp is the bracketed prefix of the line, in TimeLayout.
	Timestamp string
	// Date is the day portion of the timestamp.
	Date string
	// Text is the line content after the timestamp.
	Text string
	// FullLine is the raw line as stored on disk.
	FullLine string
}

// Journal is an append-only file of timestamped lines.
type Journal struct {
	path string
}

// NewJournal wraps the journal file at path. The file does not need to
// exist yet.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal's file path.
func (j *Journal) Path() string { return j.path }

// Exists reports whether the journal file is present on disk.
func (j *Journal) Exists() bool {
	_, err := os.Stat(j.path)
	return err == nil
}

// Append writes one timestamped line to the end of the journal, creating
// the file and its directory when needed.
func (j *Journal) Append(timestamp, text string) error {
	if dir := filepath.Dir(j.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "[%s] %s\n", timestamp, text); err != nil {
		return fmt.Errorf("failed to write journal line: %w", err)
	}
	return nil
}

// Read returns the raw journal content. A missing file reads as empty.
func (j *Journal) Read() (string, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read journal: %w", err)
	}
	return string(data), nil
}

// Entries parses the journal into lines. Lines without a timestamp prefix
// are kept and dated to today so they survive retention sweeps.
func (j *Journal) Entries() ([]Entry, error) {
	content, err := j.Read()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, ParseLine(line))
	}
	return entries, nil
}

// Rewrite replaces the journal content with the given entries.
func (j *Journal) Rewrite(entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.FullLine)
		b.WriteString("\n")
	}
	if err := os.WriteFile(j.path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to rewrite journal: %w", err)
	}
	return nil
}

// Clear truncates the journal to empty, creating the file if missing.
func (j *Journal) Clear() error {
	if dir := filepath.Dir(j.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	if err := os.WriteFile(j.path, nil, 0644); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

// Remove deletes the journal file. Missing files are not an error.
func (j *Journal) Remove() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// ParseLine splits a journal line into its timestamp and text. Lines
// without a recognizable timestamp keep their raw text and are dated to
// today.
func ParseLine(line string) Entry {
	if m := lineRe.FindStringSubmatch(line); m != nil {
		ts := m[1]
		date := ts
		if i := strings.IndexByte(ts, ' '); i > 0 {
			date = ts[:i]
		}
		return Entry{Timestamp: ts, Date: date, Text: m[2], FullLine: line}
	}
	return Entry{
		Date:     time.Now().Format(DateLayout),
		Text:     line,
		FullLine: line,
	}
}
