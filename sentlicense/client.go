package sentlicense

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20 // 1 MB

	// SignatureHeader carries the admin request MAC, hex-encoded.
	SignatureHeader = "X-Sentinel-Signature"
)

// OnlineClient communicates with the license server's validation endpoint.
type OnlineClient struct {
	serverURL  string
	httpClient *http.Client
	timeout    time.Duration // applied after all options
	userAgent  string
}

// NewOnlineClient creates a new client for the license server.
// serverURL is the base URL (e.g. "https://license.example.com").
func NewOnlineClient(serverURL string, opts ...ClientOption) *OnlineClient {
	c := &OnlineClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   defaultTimeout,
		userAgent: "sentinel-license-engine-go/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no custom HTTP client was provided, create one.
	// Apply timeout after all options so ordering doesn't matter.
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// Validate submits a license blob for server-side validation. A deny verdict
// arrives as a normal response, not an error; errors indicate transport or
// server failures.
func (c *OnlineClient) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().Unix()
	}
	var resp ValidateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/validate", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs a request with a JSON body and decodes the response into
// dest. sign, when non-nil, is called with the marshalled body to produce the
// admin request MAC. On non-2xx responses, it parses the server error format
// and returns a mapped error.
func (c *OnlineClient) doJSON(ctx context.Context, method, path string, body, dest interface{}, sign func([]byte) string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if sign != nil {
		req.Header.Set(SignatureHeader, sign(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseServerError(resp.StatusCode, respBody)
	}

	if dest != nil {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// parseServerError parses the server error response format:
// {"error": {"code": "...", "message": "..."}}
func parseServerError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == "" {
		return &ServerError{
			StatusCode: statusCode,
			Code:       "UNKNOWN",
			Message:    string(body),
		}
	}
	se := &ServerError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	}
	return mapServerError(se)
}

// AdminClient performs administrative operations against the license server.
// Every request carries an HMAC-SHA256 over the raw body in the
// X-Sentinel-Signature header; the server additionally restricts these
// endpoints to allow-listed caller addresses.
type AdminClient struct {
	inner  *OnlineClient
	secret []byte
}

// NewAdminClient creates an admin client. adminSecret must match the signing
// secret configured on the server.
func NewAdminClient(serverURL string, adminSecret []byte, opts ...ClientOption) *AdminClient {
	return &AdminClient{
		inner:  NewOnlineClient(serverURL, opts...),
		secret: adminSecret,
	}
}

// SignBody computes the hex-encoded admin MAC over a raw request body.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AdminClient) sign(body []byte) string {
	return SignBody(a.secret, body)
}

// Generate issues a new license bound to the given installation fingerprint.
func (a *AdminClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := a.inner.doJSON(ctx, http.MethodPost, "/v1/licenses", req, &resp, a.sign); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke revokes a license and blacklists its identifiers. The effect is
// visible to the very next validation attempt.
func (a *AdminClient) Revoke(ctx context.Context, licenseID, reason string) error {
	return a.inner.doJSON(ctx, http.MethodPost, "/v1/licenses/"+licenseID+"/revoke",
		RevokeRequest{Reason: reason}, nil, a.sign)
}

// Rebind re-seals a license for replacement hardware.
func (a *AdminClient) Rebind(ctx context.Context, licenseID, fingerprint string) (*RebindResponse, error) {
	var resp RebindResponse
	err := a.inner.doJSON(ctx, http.MethodPost, "/v1/licenses/"+licenseID+"/rebind",
		RebindRequest{Fingerprint: fingerprint}, &resp, a.sign)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the stored record for a license.
func (a *AdminClient) Status(ctx context.Context, licenseID string) (*LicenseStatus, error) {
	var resp LicenseStatus
	if err := a.inner.doJSON(ctx, http.MethodGet, "/v1/licenses/"+licenseID, nil, &resp, a.sign); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServerStatus fetches the server health summary.
func (a *AdminClient) ServerStatus(ctx context.Context) (*ServerStatus, error) {
	var resp ServerStatus
	if err := a.inner.doJSON(ctx, http.MethodGet, "/v1/status", nil, &resp, a.sign); err != nil {
		return nil, err
	}
	return &resp, nil
}
