// Package transport ships compressed ingest payloads to the Longhouse API
// and classifies every attempt into one of five outcomes so the delivery
// layer can decide between acking, spooling, and going offline.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/longhouse/shipper/internal/logger"
)

// ResultKind classifies a shipping attempt.
type ResultKind int

const (
	// ShipOk means the payload was accepted (2xx).
	ShipOk ResultKind = iota
	// ShipRateLimited means 429 retries were exhausted; spool for later.
	ShipRateLimited
	// ShipServerError means a 5xx response; spool for later.
	ShipServerError
	// ShipClientError means a non-429 4xx; the payload is bad, skip it.
	ShipClientError
	// ShipConnectError means the server was unreachable; spool and go
	// offline until a health probe succeeds.
	ShipConnectError
)

func (k ResultKind) String() string {
	switch k {
	case ShipOk:
		return "ok"
	case ShipRateLimited:
		return "rate limited"
	case ShipServerError:
		return "server error"
	case ShipClientError:
		return "client error"
	case ShipConnectError:
		return "connect error"
	default:
		return "unknown"
	}
}

// ShipResult is the outcome of one Ship call.
type ShipResult struct {
	Kind ResultKind
	// Code is the HTTP status for server and client errors.
	Code int
	// Body is the response body (JSON on success, error text otherwise).
	Body string
	// Err is the underlying transport error for connect failures.
	Err error
}

// Options configures a Client.
type Options struct {
	APIURL   string
	APIToken string
	// ContentEncoding is the header value matching the payload codec.
	ContentEncoding string
	Timeout         time.Duration
	MaxRetries429   int
	BaseBackoff     time.Duration
	Logger          logger.Logger
}

// Client is a connection-pooled HTTP client shared by all code paths.
type Client struct {
	http          *http.Client
	ingestURL     string
	apiToken      string
	encoding      string
	maxRetries429 int
	baseBackoff   time.Duration
	log           logger.Logger
}

// New builds a Client. Zero option fields fall back to defaults
// (60s timeout, 3 retries for 429, 2s base backoff).
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries429 <= 0 {
		opts.MaxRetries429 = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop{}
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4

	return &Client{
		http:          &http.Client{Timeout: opts.Timeout, Transport: tr},
		ingestURL:     strings.TrimRight(opts.APIURL, "/") + "/api/agents/ingest",
		apiToken:      opts.APIToken,
		encoding:      opts.ContentEncoding,
		maxRetries429: opts.MaxRetries429,
		baseBackoff:   opts.BaseBackoff,
		log:           opts.Logger,
	}
}

// IngestURL returns the resolved ingest endpoint, for logging.
func (c *Client) IngestURL() string {
	return c.ingestURL
}

// Ship POSTs a compressed payload to the ingest endpoint. 429 responses
// are retried internally with jittered backoff; every other status maps
// directly to a ShipResult.
func (c *Client) Ship(ctx context.Context, compressed []byte) ShipResult {
	retries := 0
	backoff := c.baseBackoff.Seconds()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL, bytes.NewReader(compressed))
		if err != nil {
			return ShipResult{Kind: ShipConnectError, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", c.encoding)
		if c.apiToken != "" {
			req.Header.Set("X-Agents-Token", c.apiToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return ShipResult{Kind: ShipConnectError, Err: err}
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		status := resp.StatusCode

		switch {
		case status >= 200 && status <= 299:
			return ShipResult{Kind: ShipOk, Code: status, Body: string(body)}

		case status == http.StatusTooManyRequests:
			if retries >= c.maxRetries429 {
				c.log.Warnf("rate limited after %d retries, giving up", retries)
				return ShipResult{Kind: ShipRateLimited, Code: status, Body: string(body)}
			}

			baseWait := backoff
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
					baseWait = secs
				}
			}
			// Jitter to 50-100% of the base wait, capped at 30s.
			wait := math.Min(baseWait*(0.5+rand.Float64()*0.5), 30.0)
			c.log.Infof("rate limited (429), retry %d/%d, waiting %.1fs",
				retries+1, c.maxRetries429, wait)

			select {
			case <-ctx.Done():
				return ShipResult{Kind: ShipConnectError, Err: ctx.Err()}
			case <-time.After(time.Duration(wait * float64(time.Second))):
			}
			retries++
			backoff *= 2

		case status >= 500 && status <= 599:
			return ShipResult{Kind: ShipServerError, Code: status, Body: string(body)}

		default:
			return ShipResult{Kind: ShipClientError, Code: status, Body: string(body)}
		}
	}
}

// PostJSON sends a small uncompressed JSON body to another API path
// (heartbeat, presence). Non-2xx statuses are errors so callers keep
// their files for the next tick.
func (c *Client) PostJSON(ctx context.Context, pathSuffix string, body []byte) error {
	url := strings.Replace(c.ingestURL, "/api/agents/ingest", pathSuffix, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", pathSuffix, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "identity")
	if c.apiToken != "" {
		req.Header.Set("X-Agents-Token", c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", pathSuffix, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", pathSuffix, resp.StatusCode)
	}
	return nil
}

// HealthCheck probes GET /api/health. True iff the response is 2xx.
func (c *Client) HealthCheck(ctx context.Context) bool {
	url := strings.Replace(c.ingestURL, "/api/agents/ingest", "/api/health", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
