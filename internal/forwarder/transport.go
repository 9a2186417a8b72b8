package forwarder

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// buildUpstreamRequest constructs the outbound request per spec §4.G
// step 7: copy all inbound headers, rewrite Host, drop
// Connection/Content-Length (re-derived when a body is present).
func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, targetURL string, body []byte) (*http.Request, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Del("Connection")
	req.Header.Del("Content-Length")
	req.Header.Del("X-Target-URL")
	req.Host = u.Host

	if len(body) > 0 {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	return req, nil
}
