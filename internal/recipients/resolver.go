// Package recipients implements the recipient-resolver collaborator: the
// engine asks it once, at dispatch time, whether a target identity exists.
package recipients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPResolver checks recipient existence against the directory service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPResolver creates a resolver querying baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Exists issues GET /v1/recipients/{id}: 200 means the recipient exists,
// 404 means it does not, anything else is a resolver error (dispatch fails
// rather than guessing).
func (r *HTTPResolver) Exists(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	url := fmt.Sprintf("%s/v1/recipients/%s", r.baseURL, recipientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build recipient lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("recipient lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("recipient lookup returned status %d", resp.StatusCode)
	}
}

// StaticResolver resolves against a fixed allow-list. Development and tests.
type StaticResolver struct {
	known map[uuid.UUID]bool
}

// NewStaticResolver creates a resolver knowing exactly the given ids.
func NewStaticResolver(ids ...uuid.UUID) *StaticResolver {
	known := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return &StaticResolver{known: known}
}

func (r *StaticResolver) Exists(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	return r.known[recipientID], nil
}

// AllowAll accepts every recipient id. Development fallback when no
// directory service is configured.
type AllowAll struct{}

func (AllowAll) Exists(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	return true, nil
}
