package upload

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Source is the data of a single upload. It can be read more than once:
// Reset rewinds it to the start before every retried request.
type Source interface {
	io.Reader
	Len() int64
	Reset() error
	// Checksum returns the CRC32C of the whole content without moving the
	// read position.
	Checksum() (uint32, error)
}

// BytesSource is a Source over an in-memory buffer.
type BytesSource struct {
	data   []byte
	reader *bytes.Reader
}

func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{
		data:   data,
		reader: bytes.NewReader(data),
	}
}

func (s *BytesSource) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *BytesSource) Len() int64 {
	return int64(len(s.data))
}

func (s *BytesSource) Reset() error {
	_, err := s.reader.Seek(0, io.SeekStart)
	return err
}

func (s *BytesSource) Checksum() (uint32, error) {
	return crc32.Checksum(s.data, castagnoli), nil
}

// FileSource is a Source backed by an open file. The checksum is computed by
// streaming the file, never holding it in memory.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFile opens path as an upload source. The caller must Close it.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload source: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat upload source: %w", err)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

func (s *FileSource) Len() int64 {
	return s.size
}

func (s *FileSource) Reset() error {
	_, err := s.file.Seek(0, io.SeekStart)
	return err
}

func (s *FileSource) Checksum() (uint32, error) {
	h := crc32.New(castagnoli)
	if _, err := io.Copy(h, io.NewSectionReader(s.file, 0, s.size)); err != nil {
		return 0, fmt.Errorf("failed to checksum upload source: %w", err)
	}
	return h.Sum32(), nil
}

func (s *FileSource) Close() error {
	return s.file.Close()
}

// EncodeChecksum renders a CRC32C the way the x-goog-hash header expects it:
// base64 of the four big-endian bytes.
func EncodeChecksum(sum uint32) string {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, sum)
	return base64.StdEncoding.EncodeToString(raw)
}
