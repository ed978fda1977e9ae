package index

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldSeparator = ":"
	fieldCount     = 5
	hashLength     = 64
)

// DefaultVersion is the schema version written for new indices.
const DefaultVersion = 3

var (
	ErrEmpty          = errors.New("index is empty")
	ErrFieldCount     = errors.New("unexpected number of fields")
	ErrInvalidHash    = errors.New("invalid sha256 hash")
	ErrMissingID      = errors.New("missing id")
	ErrDuplicateID    = errors.New("duplicate id")
	ErrInvalidNumeric = errors.New("invalid number")
)

// ParseError reports a malformed index line. Line is 1-based and counts the
// version line.
type ParseError struct {
	Line  int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("index line %d: field %s %q: %v", e.Line, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Index is a decoded index file.
type Index struct {
	Version int
	Entries []Entry
}

// New returns an empty index with the default version.
func New(entries ...Entry) *Index {
	return &Index{
		Version: DefaultVersion,
		Entries: entries,
	}
}

// Lookup returns the entry with the given id.
func (idx *Index) Lookup(id string) (Entry, bool) {
	for _, entry := range idx.Entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return Entry{}, false
}

// Put replaces the entry sharing the id of the given entry, or appends it.
func (idx *Index) Put(entry Entry) {
	for i := range idx.Entries {
		if idx.Entries[i].ID == entry.ID {
			idx.Entries[i] = entry
			return
		}
	}
	idx.Entries = append(idx.Entries, entry)
}

// Hash returns the content derived hash of the index, see HashEntries.
func (idx *Index) Hash() (string, error) {
	return HashEntries(idx.Entries)
}

// Decode parses the raw text of an index file.
func Decode(raw string) (*Index, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, ErrEmpty
	}

	versionLine := strings.TrimSpace(lines[0])
	version, err := strconv.Atoi(versionLine)
	if err != nil {
		return nil, &ParseError{Line: 1, Field: "version", Value: versionLine, Err: ErrInvalidNumeric}
	}

	idx := &Index{
		Version: version,
		Entries: make([]Entry, 0, len(lines)-1),
	}
	seen := make(map[string]struct{}, len(lines)-1)

	for i, line := range lines[1:] {
		entry, err := decodeLine(i+2, line)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[entry.ID]; ok {
			return nil, &ParseError{Line: i + 2, Field: "id", Value: entry.ID, Err: ErrDuplicateID}
		}
		seen[entry.ID] = struct{}{}
		idx.Entries = append(idx.Entries, entry)
	}

	return idx, nil
}

func decodeLine(number int, line string) (Entry, error) {
	fields := strings.Split(strings.TrimSpace(line), fieldSeparator)
	if len(fields) != fieldCount {
		return Entry{}, &ParseError{Line: number, Field: "line", Value: line, Err: ErrFieldCount}
	}

	hash := fields[0]
	if len(hash) != hashLength {
		return Entry{}, &ParseError{Line: number, Field: "hash", Value: hash, Err: ErrInvalidHash}
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return Entry{}, &ParseError{Line: number, Field: "hash", Value: hash, Err: ErrInvalidHash}
	}

	kind, err := strconv.Atoi(fields[1])
	if err != nil {
		return Entry{}, &ParseError{Line: number, Field: "kind", Value: fields[1], Err: ErrInvalidNumeric}
	}

	id := fields[2]
	if id == "" {
		return Entry{}, &ParseError{Line: number, Field: "id", Value: id, Err: ErrMissingID}
	}

	subfiles, err := strconv.Atoi(fields[3])
	if err != nil {
		return Entry{}, &ParseError{Line: number, Field: "subfiles", Value: fields[3], Err: ErrInvalidNumeric}
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Entry{}, &ParseError{Line: number, Field: "size", Value: fields[4], Err: ErrInvalidNumeric}
	}

	return Entry{
		Hash:     hash,
		Kind:     kind,
		ID:       id,
		Subfiles: subfiles,
		Size:     size,
	}, nil
}

// Encode renders an index in its wire form. Every line, the version line
// included, is terminated by a newline.
func Encode(idx *Index) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(idx.Version))
	b.WriteString("\n")
	for _, entry := range idx.Entries {
		b.WriteString(entry.Line())
		b.WriteString("\n")
	}
	return b.String()
}
