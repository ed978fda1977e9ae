package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	filesPath      = "sync/v3/files/"
	rootPathV4     = "sync/v4/root"
	rootPathLegacy = "sync/v3/root"
	discoveryPath  = "service/json/1/document-storage?environment=production&apiVer=2"
)

// Authorizer decorates outgoing requests with credentials. Obtaining and
// refreshing those credentials is the caller's business.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// BearerToken authorizes requests with a static bearer token.
type BearerToken string

func (t BearerToken) Authorize(req *http.Request) error {
	if t != "" {
		req.Header.Set("Authorization", "Bearer "+string(t))
	}
	return nil
}

// Endpoint describes the remote document storage service.
type Endpoint struct {
	// BaseURL is the document storage host, e.g. "https://storage.example.com/".
	BaseURL string
	// DiscoveryURL is used by the legacy protocol to look up the storage host.
	DiscoveryURL string

	Authorizer Authorizer
	Client     *http.Client
}

func (e *Endpoint) base() string {
	return strings.TrimRight(e.BaseURL, "/") + "/"
}

// FilesURL returns the blob URL for a hash or well-known file name.
func (e *Endpoint) FilesURL(key string) string {
	return e.base() + filesPath + url.PathEscape(key)
}

func (e *Endpoint) rootURL(protocol Protocol, host string) string {
	if protocol == ProtocolLegacy {
		return strings.TrimRight(host, "/") + "/" + rootPathLegacy
	}
	return e.base() + rootPathV4
}

func (e *Endpoint) discoveryURL() string {
	return strings.TrimRight(e.DiscoveryURL, "/") + "/" + discoveryPath
}

// HTTPClient returns the configured client or http.DefaultClient.
func (e *Endpoint) HTTPClient() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

// NewRequest builds an authorized request against the endpoint.
func (e *Endpoint) NewRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if e.Authorizer != nil {
		if err := e.Authorizer.Authorize(req); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}
	return req, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do performs the request with the given client and reads the whole body.
func Do(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
