package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paywall-trigger-engine/internal/paywall"
)

var ErrUnknownPaywall = errors.New("unknown paywall")

// Builder turns a paywall identifier into a presentable payload.
type Builder interface {
	Build(ctx context.Context, identifier string, substitutes []paywall.Product) (paywall.Payload, error)
}

type BuilderFunc func(ctx context.Context, identifier string, substitutes []paywall.Product) (paywall.Payload, error)

func (f BuilderFunc) Build(ctx context.Context, identifier string, substitutes []paywall.Product) (paywall.Payload, error) {
	return f(ctx, identifier, substitutes)
}

// HTTPBuilder fetches payloads from GET {base}/paywalls/{identifier}.
type HTTPBuilder struct {
	base   string
	client *http.Client
}

func NewHTTPBuilder(baseURL string, timeout time.Duration) *HTTPBuilder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBuilder{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBuilder) Build(ctx context.Context, identifier string, substitutes []paywall.Product) (paywall.Payload, error) {
	endpoint := b.base + "/paywalls/" + url.PathEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return paywall.Payload{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return paywall.Payload{}, fmt.Errorf("fetch %s: %w", identifier, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return paywall.Payload{}, fmt.Errorf("%w: %s", ErrUnknownPaywall, identifier)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return paywall.Payload{}, fmt.Errorf("fetch %s: status %d: %s", identifier, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p paywall.Payload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return paywall.Payload{}, fmt.Errorf("decode %s: %w", identifier, err)
	}
	if p.Identifier == "" {
		p.Identifier = identifier
	}
	if p.PresentationCondition == "" {
		p.PresentationCondition = paywall.ConditionCheckUserSubscription
	}
	p.Products = Substitute(p.Products, substitutes)
	return p, nil
}

// CatalogBuilder builds payloads from the paywall catalog of the current
// trigger configuration.
type CatalogBuilder struct {
	Config func() (*paywall.Config, bool)
}

func (b CatalogBuilder) Build(ctx context.Context, identifier string, substitutes []paywall.Product) (paywall.Payload, error) {
	if err := ctx.Err(); err != nil {
		return paywall.Payload{}, err
	}
	cfg, _ := b.Config()
	entry, ok := cfg.Paywall(identifier)
	if !ok {
		return paywall.Payload{}, fmt.Errorf("%w: %s", ErrUnknownPaywall, identifier)
	}
	p := entry.Payload()
	p.Products = Substitute(p.Products, substitutes)
	return p, nil
}
