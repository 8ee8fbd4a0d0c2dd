/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/dapr/kit/logger"
	kitmd "github.com/dapr/kit/metadata"

	"github.com/dapr/tcc-coordinator/transaction"
	"github.com/dapr/tcc-coordinator/transaction/propagation"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	// Longest response body quoted in errors.
	maxErrorBody = 256
)

// HTTPMetadata configures an HTTP participant invoker.
type HTTPMetadata struct {
	// BaseURL of the participant service. The step name is appended as the
	// last path segment.
	BaseURL string `mapstructure:"baseURL"`
	// Timeout of a single call.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxConnsPerHost limits concurrent connections to the participant.
	MaxConnsPerHost int `mapstructure:"maxConnsPerHost"`
}

// HTTP invokes remote participants with a POST of the original arguments
// to BaseURL/<method>, carrying the transaction context in headers.
// Participant metadata is sent as request headers.
type HTTP struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
	logger  logger.Logger
}

// NewHTTPInvoker returns an HTTP invoker configured from properties.
func NewHTTPInvoker(logger logger.Logger, properties map[string]string) (*HTTP, error) {
	m := HTTPMetadata{
		Timeout: defaultHTTPTimeout,
	}
	if err := kitmd.DecodeMetadata(properties, &m); err != nil {
		return nil, err
	}
	if m.BaseURL == "" {
		return nil, errors.New("baseURL is required")
	}
	if m.Timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout: %v", m.Timeout)
	}

	return &HTTP{
		client: &fasthttp.Client{
			MaxConnsPerHost: m.MaxConnsPerHost,
		},
		baseURL: strings.TrimSuffix(m.BaseURL, "/"),
		timeout: m.Timeout,
		logger:  logger,
	}, nil
}

func (h *HTTP) Invoke(ctx context.Context, tc transaction.Context, p *transaction.Participant) error {
	method := p.Method(tc.Phase)
	if method == "" {
		return transaction.NewSystemError(nil, "participant %q has no %s method", p.Target, tc.Phase)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(h.baseURL + "/" + method)
	req.Header.SetMethod(fasthttp.MethodPost)
	if p.ContentType != "" {
		req.Header.SetContentType(p.ContentType)
	}
	for k, v := range p.Metadata {
		req.Header.Set(k, v)
	}
	propagation.InjectFastHTTP(&req.Header, tc)
	req.SetBody(p.Args)

	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := h.client.DoTimeout(req, resp, timeout)
	if err != nil {
		return fmt.Errorf("failed to invoke %s on %s: %w", method, p.Target, err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		body := resp.Body()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("participant %s returned status %d for %s: %s", p.Target, code, method, body)
	}

	h.logger.Debugf("Invoked %s on %s for transaction %s", method, p.Target, tc.Xid)
	return nil
}
