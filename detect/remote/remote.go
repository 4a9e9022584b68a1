// Package remote implements the Detector interface against an external
// inference service reachable over HTTP. The service receives the raw frame
// payload and returns the detections for it; this package never interprets
// the image itself.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rtcvision/rtcvision/detect"
)

const defaultTimeout = 2 * time.Second

// Client calls a remote inference endpoint. The frame payload is POSTed as
// the request body with frame geometry carried in headers, and the response
// is expected to be {"detections":[{label,score,xmin,ymin,xmax,ymax}...]}.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client. The caller's client
// is used as-is; the per-request timeout still applies.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request ceiling. Enforced through the request
// context, so it holds regardless of which http.Client is installed and of
// option order. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a Client that POSTs frames to endpoint. The default request
// timeout keeps a stalled inference service degrading to empty-detection
// frames instead of wedging the pipeline.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("inference endpoint is required")
	}
	c := &Client{
		endpoint: endpoint,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

type detectResponse struct {
	Detections []detect.Detection `json:"detections"`
}

// Detect implements detect.Detector.
func (c *Client) Detect(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Frame-Width", strconv.Itoa(frame.Width))
	req.Header.Set("X-Frame-Height", strconv.Itoa(frame.Height))
	req.Header.Set("X-Frame-Format", frame.Format)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned %s", res.Status)
	}

	var body detectResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	out := body.Detections[:0]
	for _, d := range body.Detections {
		if err := d.Validate(); err != nil {
			// A malformed detection is the service's bug, not the stream's
			// problem. Skip it and keep the rest.
			continue
		}
		out = append(out, d)
	}
	if out == nil {
		out = []detect.Detection{}
	}
	return out, nil
}

var _ detect.Detector = (*Client)(nil)
