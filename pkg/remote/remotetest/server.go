// Package remotetest provides an in-process fake of the document storage
// service for tests.
package remotetest

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/remote"
)

const (
	filesPrefix  = "/sync/v3/files/"
	signedPrefix = "/signed/"
)

// Server is a fake document storage service backed by an in-memory map.
type Server struct {
	*httptest.Server

	mutex    sync.Mutex
	blobs    map[string][]byte
	root     remote.Root
	requests map[string]int
	uploads  []string
	failures map[string]int

	// RejectV4 makes the v4 root endpoint answer 400.
	RejectV4 bool
	// RedirectUploads answers blob PUTs with a 302 to a signed URL.
	RedirectUploads bool
}

// NewServer starts a fake service that is closed with the test.
func NewServer(t testing.TB) *Server {
	s := &Server{
		blobs:    make(map[string][]byte),
		requests: make(map[string]int),
		failures: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns an endpoint pointing at the fake.
func (s *Server) Endpoint() *remote.Endpoint {
	return &remote.Endpoint{
		BaseURL:      s.URL + "/",
		DiscoveryURL: s.URL,
		Authorizer:   remote.BearerToken("test-token"),
		Client:       s.Client(),
	}
}

// Put stores a blob under an explicit key.
func (s *Server) Put(key string, data []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
}

// Delete removes a blob.
func (s *Server) Delete(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.blobs, key)
}

// Fail makes every read of key answer with status until cleared with 0.
func (s *Server) Fail(key string, status int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if status == 0 {
		delete(s.failures, key)
		return
	}
	s.failures[key] = status
}

// Blob returns the blob stored under key.
func (s *Server) Blob(key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.blobs[key]
	return data, ok
}

// AddBlob stores data under its sha256 hash and returns an entry for it.
func (s *Server) AddBlob(id string, data []byte) index.Entry {
	hash := index.MakeHash(data)
	s.Put(hash, data)
	return index.Entry{Hash: hash, Kind: index.KindFile, ID: id, Size: int64(len(data))}
}

// AddIndex encodes idx, stores it under hash and returns that hash. An empty
// hash stores it under its content derived hash.
func (s *Server) AddIndex(hash string, idx *index.Index) string {
	if hash == "" {
		var err error
		if hash, err = idx.Hash(); err != nil {
			panic(err)
		}
	}
	s.Put(hash, []byte(index.Encode(idx)))
	return hash
}

// SetRoot points the root at hash.
func (s *Server) SetRoot(hash string, generation int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.root = remote.Root{Hash: hash, Generation: generation}
}

// Root returns the current root pointer.
func (s *Server) Root() remote.Root {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.root
}

// Requests returns how many requests matched "METHOD /path".
func (s *Server) Requests(method, path string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.requests[method+" "+path]
}

// TotalRequests returns the number of requests seen for a method.
func (s *Server) TotalRequests(method string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	total := 0
	for key, n := range s.requests {
		if strings.HasPrefix(key, method+" ") {
			total += n
		}
	}
	return total
}

// Uploads returns the rm-filename of every accepted upload, in order.
func (s *Server) Uploads() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.uploads...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	s.requests[r.Method+" "+r.URL.Path]++
	s.mutex.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" && !strings.HasPrefix(r.URL.Path, signedPrefix) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/sync/v4/root" && r.Method == http.MethodGet:
		if s.RejectV4 {
			http.Error(w, "use the other protocol", http.StatusBadRequest)
			return
		}
		s.writeRoot(w)
	case r.URL.Path == "/sync/v3/root" && r.Method == http.MethodGet:
		s.writeRoot(w)
	case r.URL.Path == "/sync/v3/root" && r.Method == http.MethodPut:
		s.updateRoot(w, r)
	case strings.HasPrefix(r.URL.Path, "/service/json/1/document-storage"):
		json.NewEncoder(w).Encode(map[string]string{"Status": "OK", "Host": s.URL})
	case strings.HasPrefix(r.URL.Path, filesPrefix):
		s.handleFile(w, r, strings.TrimPrefix(r.URL.Path, filesPrefix))
	case strings.HasPrefix(r.URL.Path, signedPrefix) && r.Method == http.MethodPut:
		if r.Header.Get("x-goog-content-length-range") == "" {
			http.Error(w, "missing range", http.StatusForbidden)
			return
		}
		s.storeUpload(w, r, strings.TrimPrefix(r.URL.Path, signedPrefix))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeRoot(w http.ResponseWriter) {
	root := s.Root()
	json.NewEncoder(w).Encode(root)
}

func (s *Server) updateRoot(w http.ResponseWriter, r *http.Request) {
	var update remote.Root
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mutex.Lock()
	if update.Generation != s.root.Generation {
		s.mutex.Unlock()
		http.Error(w, "generation mismatch", http.StatusPreconditionFailed)
		return
	}
	s.root = remote.Root{Hash: update.Hash, Generation: s.root.Generation + 1}
	root := s.root
	s.mutex.Unlock()

	json.NewEncoder(w).Encode(root)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.mutex.Lock()
		status := s.failures[key]
		s.mutex.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		data, ok := s.Blob(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `{"message":"invalid hash"}`+"\n")
			}
			return
		}
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodPut:
		if s.RedirectUploads {
			w.Header().Set("Location", s.URL+signedPrefix+key)
			w.Header().Set("x-goog-content-length-range", fmt.Sprintf("0,%d", r.ContentLength))
			w.WriteHeader(http.StatusFound)
			return
		}
		s.storeUpload(w, r, key)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) storeUpload(w http.ResponseWriter, r *http.Request, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.Header.Get("rm-filename") == "" {
		http.Error(w, "missing rm-filename", http.StatusUnprocessableEntity)
		return
	}
	if r.Header.Get("x-goog-hash") != "crc32c="+Checksum(data) {
		http.Error(w, "checksum mismatch", http.StatusUnprocessableEntity)
		return
	}

	s.mutex.Lock()
	s.blobs[key] = data
	s.uploads = append(s.uploads, r.Header.Get("rm-filename"))
	s.mutex.Unlock()

	w.WriteHeader(http.StatusOK)
}

// Checksum returns the base64 big-endian CRC32C of data, as carried by the
// x-goog-hash header.
func Checksum(data []byte) string {
	sum := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, sum)
	return base64.StdEncoding.EncodeToString(raw)
}
