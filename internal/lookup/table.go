// Package lookup reads the flat name tables a node uses to resolve relay
// endpoints, boot-time bridges and computer MAC addresses.
//
// Each non-comment line holds whitespace separated fields: a name, a value
// and optional extra fields. Lines starting with '*' are comments. A later
// line for the same name replaces the earlier one.
package lookup

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/wolbridge/internal/logging"
)

// CommentPrefix starts a comment line.
const CommentPrefix = "*"

// Entry is one parsed table line.
type Entry struct {
	Name  string
	Value string
	Extra []string
}

// Parse reads entries from r. Lines with fewer than two fields are skipped.
// validate, if set, rejects values; rejected lines are skipped as well and
// reported in the returned warnings.
func Parse(r io.Reader, validate func(value string) error) ([]Entry, []string, error) {
	var (
		entries  []Entry
		warnings []string
		index    = make(map[string]int)
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(line, CommentPrefix) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			warnings = append(warnings, fmt.Sprintf("line %d: expected name and value", lineNo))
			continue
		}
		if validate != nil {
			if err := validate(fields[1]); err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
		}

		e := Entry{Name: norm.NFC.String(fields[0]), Value: fields[1]}
		if len(fields) > 2 {
			e.Extra = append([]string(nil), fields[2:]...)
		}

		if i, ok := index[e.Name]; ok {
			entries[i] = e
			continue
		}
		index[e.Name] = len(entries)
		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, warnings, err
	}
	return entries, warnings, nil
}

// table loads a file once, on first use, and merges inline entries over it.
type table struct {
	path     string
	kind     string
	inline   map[string]string
	validate func(string) error
	logger   *slog.Logger

	once    sync.Once
	entries []Entry
	index   map[string]int
}

func newTable(kind, path string, inline map[string]string, validate func(string) error, logger *slog.Logger) *table {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &table{
		path:     path,
		kind:     kind,
		inline:   inline,
		validate: validate,
		logger:   logging.Component(logger, "lookup"),
	}
}

func (t *table) load() {
	t.once.Do(func() {
		t.index = make(map[string]int)

		if t.path != "" {
			entries, err := t.readFile()
			if err != nil {
				t.logger.Error("failed to read lookup file",
					"table", t.kind,
					logging.KeyAddress, t.path,
					logging.KeyError, err)
			}
			for _, e := range entries {
				t.put(e)
			}
		}

		for name, value := range t.inline {
			if t.validate != nil {
				if err := t.validate(value); err != nil {
					t.logger.Warn("skipping inline lookup entry", "table", t.kind, "name", name, logging.KeyError, err)
					continue
				}
			}
			t.put(Entry{Name: norm.NFC.String(name), Value: value})
		}

		t.logger.Debug("lookup table loaded", "table", t.kind, logging.KeyCount, len(t.entries))
	})
}

func (t *table) readFile() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, warnings, err := Parse(f, t.validate)
	for _, w := range warnings {
		t.logger.Warn("skipping lookup line", "table", t.kind, logging.KeyAddress, t.path, "reason", w)
	}
	return entries, err
}

func (t *table) put(e Entry) {
	if i, ok := t.index[e.Name]; ok {
		t.entries[i] = e
		return
	}
	t.index[e.Name] = len(t.entries)
	t.entries = append(t.entries, e)
}

func (t *table) get(name string) (Entry, bool) {
	t.load()
	i, ok := t.index[norm.NFC.String(name)]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

func (t *table) all() []Entry {
	t.load()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
