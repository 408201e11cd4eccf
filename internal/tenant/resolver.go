package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/retry"
)

// Lookup outcome labels.
const (
	lookupHit     = "hit"
	lookupFetched = "fetched"
	lookupDefault = "default"
)

const serviceTokenTTL = 5 * time.Minute

// errServer marks responses worth retrying.
var errServer = errors.New("tenant config service error")

type configResponse struct {
	PrivacyLevel string `json:"privacy_level"`
}

// Options configures a Resolver.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// AuthSecret, when set, signs a short-lived HS256 bearer token per request.
	AuthSecret string

	Retry  retry.Policy
	Logger *logging.Logger
}

// Resolver looks up tenant privacy tiers. It never fails: anything that
// prevents a definite answer resolves to models.PrivacyStandard.
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	secret     []byte
	policy     retry.Policy
	logger     *logging.Logger
}

// NewResolver builds a Resolver backed by cache.
func NewResolver(cache Cache, opts Options) (*Resolver, error) {
	if cache == nil {
		return nil, errors.New("tenant: cache is required")
	}
	if opts.BaseURL != "" {
		if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
			return nil, fmt.Errorf("tenant: invalid base URL: %w", err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	return &Resolver{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		cache:  cache,
		secret: []byte(opts.AuthSecret),
		policy: opts.Retry,
		logger: opts.Logger,
	}, nil
}

// Resolve returns the privacy tier for tenantID. Only definite answers from
// the service are cached.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) models.PrivacyLevel {
	log := r.logger.WithContext(ctx).With(logging.TenantID(tenantID))

	if level, ok, err := r.cache.Get(ctx, tenantID); err != nil {
		log.Warn("tenant cache read failed", logging.Error(err))
	} else if ok {
		metrics.TenantLookupsTotal.WithLabelValues(lookupHit).Inc()
		return level
	}

	if r.baseURL == "" || tenantID == "" || tenantID == models.UnknownTenant {
		metrics.TenantLookupsTotal.WithLabelValues(lookupDefault).Inc()
		return models.PrivacyStandard
	}

	raw, err := r.fetch(ctx, tenantID)
	if err != nil {
		metrics.TenantLookupsTotal.WithLabelValues(lookupDefault).Inc()
		log.Warn("tenant config lookup failed, using standard privacy",
			logging.Error(err))
		return models.PrivacyStandard
	}

	level, ok := models.ParsePrivacyLevel(raw)
	if !ok && raw != "" {
		log.Warn("unknown privacy level, using standard", slog.String("privacy_level_raw", raw))
	}

	if err := r.cache.Set(ctx, tenantID, level); err != nil {
		log.Warn("tenant cache write failed", logging.Error(err))
	}
	metrics.TenantLookupsTotal.WithLabelValues(lookupFetched).Inc()
	return level
}

// ClearCache drops every cached tier.
func (r *Resolver) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

func (r *Resolver) fetch(ctx context.Context, tenantID string) (string, error) {
	endpoint := r.baseURL + "/api/v1/config/client/" + url.PathEscape(tenantID)

	var (
		level  string
		status int
	)
	err := r.policy.Do(ctx, "tenant_lookup", func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if len(r.secret) > 0 {
			token, err := r.serviceToken()
			if err != nil {
				return fmt.Errorf("sign service token: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: HTTP %d", errServer, resp.StatusCode)
		}
		status = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			// 4xx answers are final; the caller falls back to standard.
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		var body configResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		level = body.PrivacyLevel
		return nil
	})

	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", status)
	}
	return level, nil
}

func (r *Resolver) serviceToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "eventvault",
		Subject:   "compliance-processor",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
