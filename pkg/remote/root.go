package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mwantia/docsync/pkg/log"
)

// Protocol selects how the root pointer is located.
type Protocol string

const (
	ProtocolV4     Protocol = "v4"
	ProtocolLegacy Protocol = "legacy"
)

// ParseProtocol accepts "v4" or "legacy" and falls back to v4.
func ParseProtocol(s string) Protocol {
	if strings.EqualFold(s, string(ProtocolLegacy)) {
		return ProtocolLegacy
	}
	return ProtocolV4
}

func (p Protocol) other() Protocol {
	if p == ProtocolLegacy {
		return ProtocolV4
	}
	return ProtocolLegacy
}

// Root is the pointer to the current top-level index.
type Root struct {
	Hash       string `json:"hash"`
	Generation int64  `json:"generation"`
	Broadcast  bool   `json:"broadcast,omitempty"`
}

type discovery struct {
	Status string `json:"Status"`
	Host   string `json:"Host"`
}

// RootClient reads and advances the root pointer. It switches protocol
// variant once when the service signals ErrIncompatibleProtocol.
type RootClient struct {
	endpoint *Endpoint
	log      log.LoggerService

	mutex    sync.Mutex
	protocol Protocol
	host     string
}

func NewRootClient(endpoint *Endpoint, protocol Protocol, logger log.LoggerService) *RootClient {
	return &RootClient{
		endpoint: endpoint,
		protocol: protocol,
		log:      logger,
	}
}

// Protocol returns the protocol variant currently in use.
func (rc *RootClient) Protocol() Protocol {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return rc.protocol
}

// GetRoot fetches the root pointer.
func (rc *RootClient) GetRoot(ctx context.Context) (Root, error) {
	var root Root
	err := rc.withFallback(ctx, func(target string) error {
		return rc.exchange(ctx, http.MethodGet, target, nil, &root)
	})
	return root, err
}

// UpdateRoot advances the root pointer and returns the pointer as stored by
// the service.
func (rc *RootClient) UpdateRoot(ctx context.Context, root Root) (Root, error) {
	payload, err := json.Marshal(root)
	if err != nil {
		return Root{}, fmt.Errorf("failed to encode root: %w", err)
	}

	var updated Root
	err = rc.withFallback(ctx, func(target string) error {
		// The pointer is always written through the v3 root path.
		target = strings.Replace(target, rootPathV4, rootPathLegacy, 1)
		return rc.exchange(ctx, http.MethodPut, target, payload, &updated)
	})
	if err != nil {
		return Root{}, err
	}

	rc.log.Debug("Root advanced to '%s' (generation %d)", updated.Hash, updated.Generation)
	return updated, nil
}

func (rc *RootClient) withFallback(ctx context.Context, call func(target string) error) error {
	protocol := rc.Protocol()

	target, err := rc.rootURL(ctx, protocol)
	if err != nil {
		return err
	}

	err = call(target)
	if !errors.Is(err, ErrIncompatibleProtocol) {
		return err
	}

	next := protocol.other()
	rc.log.Info("Service rejected sync protocol '%s', switching to '%s'", protocol, next)

	target, err = rc.rootURL(ctx, next)
	if err != nil {
		return err
	}
	if err := call(target); err != nil {
		return err
	}

	rc.mutex.Lock()
	rc.protocol = next
	rc.mutex.Unlock()
	return nil
}

func (rc *RootClient) rootURL(ctx context.Context, protocol Protocol) (string, error) {
	if protocol != ProtocolLegacy {
		return rc.endpoint.rootURL(protocol, ""), nil
	}

	host, err := rc.discover(ctx)
	if err != nil {
		return "", err
	}
	return rc.endpoint.rootURL(protocol, host), nil
}

// discover resolves the document storage host used by the legacy protocol.
func (rc *RootClient) discover(ctx context.Context) (string, error) {
	rc.mutex.Lock()
	host := rc.host
	rc.mutex.Unlock()
	if host != "" {
		return host, nil
	}

	if rc.endpoint.DiscoveryURL == "" {
		return rc.endpoint.base(), nil
	}

	var found discovery
	if err := rc.exchange(ctx, http.MethodGet, rc.endpoint.discoveryURL(), nil, &found); err != nil {
		return "", fmt.Errorf("failed to discover document storage: %w", err)
	}
	if found.Host == "" {
		return "", fmt.Errorf("document storage discovery returned no host")
	}

	host = found.Host
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	rc.mutex.Lock()
	rc.host = host
	rc.mutex.Unlock()
	return host, nil
}

func (rc *RootClient) exchange(ctx context.Context, method, target string, payload []byte, out any) error {
	req, err := rc.endpoint.NewRequest(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := Do(rc.endpoint.HTTPClient(), req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	if err := CheckStatus(method, target, resp); err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, target, err)
	}
	return nil
}
