// Package sink implements the concrete output-sink contract (Open,
// WriteLine, Close) consumed by the worker pool: one append-only file
// per section, in jsonl, markdown, or csv format.
package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/clipperhouse/uax29/v2/words"
	"github.com/tidwall/gjson"
)

// Format names the output encoding, matching the extension mapping
// json -> .jsonl, markdown -> .md, csv -> .csv.
type Format string

const (
	FormatJSONL    Format = "jsonl"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

func (f Format) extension() string {
	switch f {
	case FormatMarkdown:
		return ".md"
	case FormatCSV:
		return ".csv"
	default:
		return ".jsonl"
	}
}

// Sink is the contract the worker pool writes serialized results
// through. Implementations MUST be idempotent with respect to id
// within a section so that resume may safely re-emit overlap. Every
// concrete Sink below enforces this itself, by loading the ids already
// present in its output file on Open and skipping any WriteLine for an
// id it has already seen — it does not depend on internal/dedupe being
// enabled, since config.DedupeEnabled only gates an earlier, optional
// skip (before a re-fetched item reaches a worker at all), not the
// correctness guarantee this interface promises.
type Sink interface {
	Open() error
	WriteLine(id string, record map[string]any) error
	Close() error
	// WordCount returns the running word count across every line
	// written so far, folded into the ETA estimator's progress log.
	WordCount() int
}

// New builds the concrete Sink for format, writing to
// <outputDir>/<section><extension>.
func New(format Format, outputDir, section string) Sink {
	path := filepath.Join(outputDir, section+format.extension())
	switch format {
	case FormatMarkdown:
		return &markdownSink{path: path}
	case FormatCSV:
		return &csvSink{path: path}
	default:
		return &jsonlSink{path: path}
	}
}

type jsonlSink struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	words int
	seen  map[string]struct{}
}

func (s *jsonlSink) Open() error {
	s.seen = loadJSONLIDs(s.path)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl sink %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// loadJSONLIDs reads whatever the section's output file already holds
// (a no-op on a fresh export, where the file doesn't exist yet) and
// extracts the "id" field of each line via gjson, so a resumed run
// recognizes ids it wrote before the interruption.
func loadJSONLIDs(path string) map[string]struct{} {
	seen := map[string]struct{}{}
	data, err := os.ReadFile(path)
	if err != nil {
		return seen
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if id := gjson.GetBytes(line, "id").String(); id != "" {
			seen[id] = struct{}{}
		}
	}
	return seen
}

func (s *jsonlSink) WriteLine(id string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return nil
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}
	s.words += countWords(string(line))
	s.seen[id] = struct{}{}
	return nil
}

func (s *jsonlSink) WordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words
}

func (s *jsonlSink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// markdownSink renders each record's "body" field (when present and
// HTML-shaped) through html-to-markdown before appending a Markdown
// section for the record.
type markdownSink struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	words int
	seen  map[string]struct{}
}

// markdownIDComment matches the `<!-- id: X -->` marker WriteLine
// appends after every record, the only place a markdown section's id
// is recoverable from the rendered output.
var markdownIDComment = regexp.MustCompile(`<!-- id: (.*?) -->`)

func (s *markdownSink) Open() error {
	s.seen = map[string]struct{}{}
	if data, err := os.ReadFile(s.path); err == nil {
		for _, m := range markdownIDComment.FindAllSubmatch(data, -1) {
			s.seen[string(m[1])] = struct{}{}
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open markdown sink %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

func (s *markdownSink) WriteLine(id string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return nil
	}

	body := ""
	if raw, ok := record["body"].(string); ok {
		md, err := htmlToMarkdown(raw)
		if err != nil {
			return fmt.Errorf("convert body for %s: %w", id, err)
		}
		body = md
	}

	title, _ := record["title"].(string)
	section := fmt.Sprintf("## %s\n\n%s\n\n%s\n\n", title, body, fmt.Sprintf("<!-- id: %s -->", id))
	if _, err := s.f.WriteString(section); err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}
	s.words += countWords(body)
	s.seen[id] = struct{}{}
	return nil
}

func (s *markdownSink) WordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words
}

func (s *markdownSink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// htmlToMarkdown strips an HTML-bearing rich-text value down to
// Markdown, dropping images so embedded base64 payloads never bloat
// the section file.
func htmlToMarkdown(html string) (string, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	conv.Register.TagType("img", converter.TagTypeRemove, converter.PriorityStandard)

	out, err := conv.ConvertReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return string(out), nil
}

// countWords segments s on Unicode word boundaries (uax29) and counts
// the segments that contain at least one letter or digit, so punctuation
// and whitespace runs don't inflate the count.
func countWords(s string) int {
	n := 0
	seg := words.FromString(s)
	for seg.Next() {
		v := seg.Value()
		for _, r := range v {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				n++
				break
			}
		}
	}
	return n
}

type csvSink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *csv.Writer
	header []string
	wrote  bool
	words  int
	seen   map[string]struct{}
}

func (s *csvSink) Open() error {
	_, statErr := os.Stat(s.path)
	s.seen = loadCSVIDs(s.path, statErr == nil)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv sink %s: %w", s.path, err)
	}
	s.f = f
	s.w = csv.NewWriter(f)
	s.wrote = statErr == nil
	return nil
}

// loadCSVIDs reads the id column (always column 0, per WriteLine's
// header construction below) of an existing section output file, or
// returns an empty set if one isn't there yet.
func loadCSVIDs(path string, exists bool) map[string]struct{} {
	seen := map[string]struct{}{}
	if !exists {
		return seen
	}
	f, err := os.Open(path)
	if err != nil {
		return seen
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return seen
	}
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue // header row
		}
		seen[row[0]] = struct{}{}
	}
	return seen
}

func (s *csvSink) WriteLine(id string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return nil
	}

	if s.header == nil {
		s.header = make([]string, 0, len(record)+1)
		s.header = append(s.header, "id")
		for k := range record {
			s.header = append(s.header, k)
		}
	}
	if !s.wrote {
		if err := s.w.Write(s.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		s.wrote = true
	}

	row := make([]string, len(s.header))
	row[0] = id
	for i, col := range s.header[1:] {
		row[i+1] = fmt.Sprintf("%v", record[col])
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write csv row %s: %w", id, err)
	}
	s.w.Flush()
	for _, cell := range row {
		s.words += countWords(cell)
	}
	if err := s.w.Error(); err != nil {
		return err
	}
	s.seen[id] = struct{}{}
	return nil
}

func (s *csvSink) WordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words
}

func (s *csvSink) Close() error {
	if s.w != nil {
		s.w.Flush()
	}
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
