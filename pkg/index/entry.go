package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kinds used by the remote service for the second column of an index line.
const (
	KindFile     = 0
	KindDocument = 80000000
)

// Extensions in processing order. Anything else sorts after these.
var extensionOrder = []string{"content", "metadata", "rm"}

// Entry is a single line of an index: one blob referenced by its sha256 hash.
type Entry struct {
	Hash     string
	Kind     int
	ID       string
	Subfiles int
	Size     int64
}

// MakeHash returns the hex encoded sha256 digest of data.
func MakeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extension returns the part of the id after the last dot, or an empty
// string if the id has none.
func (e Entry) Extension() string {
	i := strings.LastIndex(e.ID, ".")
	if i < 0 {
		return ""
	}
	return e.ID[i+1:]
}

// Precedence returns the position of the entry's extension in the fixed
// processing order. Unknown extensions share the last position.
func (e Entry) Precedence() int {
	ext := e.Extension()
	for i, known := range extensionOrder {
		if ext == known {
			return i
		}
	}
	return len(extensionOrder)
}

// Line renders the entry in its wire form, without a trailing newline.
func (e Entry) Line() string {
	return strings.Join([]string{
		e.Hash,
		strconv.Itoa(e.Kind),
		e.ID,
		strconv.Itoa(e.Subfiles),
		strconv.FormatInt(e.Size, 10),
	}, fieldSeparator)
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (%s)", e.ID, e.Hash)
}

// SortByPrecedence orders entries by extension precedence, keeping the
// relative order of entries that share an extension.
func SortByPrecedence(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Precedence() < entries[j].Precedence()
	})
}

// HashEntries computes the hash an index listing these entries must be
// stored under: sha256 over the raw bytes of every entry hash, taken in
// id order. The input slice is not modified.
func HashEntries(entries []Entry) (string, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	h := sha256.New()
	for _, entry := range sorted {
		raw, err := hex.DecodeString(entry.Hash)
		if err != nil {
			return "", fmt.Errorf("entry %s has invalid hash: %w", entry.ID, err)
		}
		h.Write(raw)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
