// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

// HTTPSource fetches JSON over GET. The configured URL may contain {name}
// placeholders filled from fetch parameters; parameters that match no
// placeholder become query string values, and a non-empty query argument is
// sent as q.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPSource wraps a JSON endpoint as a data source.
func NewHTTPSource(name, rawURL string) *HTTPSource {
	return &HTTPSource{
		name:   name,
		url:    rawURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPSource) Name() string { return h.name }

func (h *HTTPSource) Fetch(ctx context.Context, query string, params map[string]any) (any, error) {
	finalURL := h.url
	leftover := make(map[string]string)
	for k, v := range params {
		placeholder := "{" + k + "}"
		value := fmt.Sprintf("%v", v)
		if strings.Contains(finalURL, placeholder) {
			finalURL = strings.ReplaceAll(finalURL, placeholder, url.PathEscape(value))
			continue
		}
		leftover[k] = value
	}
	if query != "" {
		leftover["q"] = query
	}

	if len(leftover) > 0 {
		u, err := url.Parse(finalURL)
		if err != nil {
			return nil, errors.NewInvalidInputError("invalid source url").
				WithContext("source", h.name).
				WithContext("url", finalURL)
		}
		q := u.Query()
		for k, v := range leftover {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		finalURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, errors.NewInvalidInputError("build request").
			WithContext("source", h.name).
			WithContext("url", finalURL)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "http fetch failed", err).
			WithContext("source", h.name).
			WithRecoverable(true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "read response", err).
			WithContext("source", h.name).
			WithRecoverable(true)
	}

	if resp.StatusCode >= 500 {
		return nil, errors.New(errors.CodeUnavailable, "upstream error", nil).
			WithContext("source", h.name).
			WithContext("status", fmt.Sprintf("%d", resp.StatusCode)).
			WithRecoverable(true)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.New(errors.CodeCapabilityFailure, "upstream rejected request", nil).
			WithContext("source", h.name).
			WithContext("status", fmt.Sprintf("%d", resp.StatusCode)).
			WithContext("body", truncate(string(body), 256))
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New(errors.CodeCapabilityFailure, "response was not valid JSON", err).
			WithContext("source", h.name)
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ core.DataSource = (*HTTPSource)(nil)
