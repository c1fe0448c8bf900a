// Package identity lazily provisions and persists the per-install unique id
// and exposes the optional user-supplied API key. Both are attached, with
// environment headers, to every outgoing request.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/settings"
)

const provisionTimeout = 30 * time.Second

// Provider provisions the install id once and serves it from the store
// thereafter. Provisioning is idempotent: concurrent first callers share a
// single in-flight provisioning call.
type Provider struct {
	baseURL  string
	platform string
	version  string
	store    *settings.Store
	client   *http.Client
	group    singleflight.Group
}

// NewProvider creates a Provider against the given backend base URL.
func NewProvider(baseURL, platform, version string, store *settings.Store) *Provider {
	return &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		platform: platform,
		version:  version,
		store:    store,
		client:   &http.Client{Timeout: provisionTimeout},
	}
}

// InstallID returns the persisted install id, provisioning one from the
// backend on first use. Provisioning failure is a hard error: every
// subsequent request depends on a valid id, so there is no silent fallback.
func (p *Provider) InstallID(ctx context.Context) (string, error) {
	uid, err := p.store.Get(settings.KeyUID)
	if err != nil {
		return "", err
	}
	if uid = strings.TrimSpace(uid); uid != "" {
		return uid, nil
	}

	v, err, _ := p.group.Do(settings.KeyUID, func() (any, error) {
		return p.provision(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) provision(ctx context.Context) (string, error) {
	// A concurrent caller may have won the race before we entered the group.
	if uid, err := p.store.Get(settings.KeyUID); err == nil && strings.TrimSpace(uid) != "" {
		return strings.TrimSpace(uid), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/user", nil)
	if err != nil {
		return "", protocol.Wrap(protocol.KindProvisioningFailed, "create provisioning request", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", protocol.Wrap(protocol.KindProvisioningFailed, "provisioning request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", protocol.New(protocol.KindProvisioningFailed,
			fmt.Sprintf("provisioning returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text))))
	}

	var payload struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", protocol.Wrap(protocol.KindProvisioningFailed, "decode provisioning response", err)
	}

	uid := strings.TrimSpace(payload.UID)
	if uid == "" {
		return "", protocol.New(protocol.KindProvisioningFailed, "generate uid from server failed")
	}

	if err := p.store.Set(settings.KeyUID, uid); err != nil {
		return "", err
	}
	if err := p.store.SetInstalledAt(time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to record install time")
	}

	log.Info().Str("uid", uid).Msg("install id provisioned")
	return uid, nil
}

// APIKey returns the user-supplied API key, or "" when unset. The key is
// used verbatim apart from trimming.
func (p *Provider) APIKey() string {
	key, err := p.store.Get(settings.KeyOpenAIAPIKey)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(key)
}

// Headers returns the standard identity headers attached to every outgoing
// request. The api key header name carries no underscore since nginx drops
// headers with underscores.
func (p *Provider) Headers(ctx context.Context) (map[string]string, error) {
	uid, err := p.InstallID(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"uid":            uid,
		"openai-api-key": p.APIKey(),
		"browser":        p.platform,
		"ext-version":    p.version,
	}, nil
}
