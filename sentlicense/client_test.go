package sentlicense

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOnlineClientValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/validate" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "sentinel-license-engine-go/") {
			t.Errorf("User-Agent = %q", ua)
		}

		var req ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.InstallationID != "install-1" || req.Nonce != "nonce-1" {
			t.Errorf("request = %+v", req)
		}
		if req.Timestamp == 0 {
			t.Error("client must fill a zero timestamp")
		}

		json.NewEncoder(w).Encode(ValidateResponse{
			Verdict:         VerdictValid,
			ServerTimestamp: time.Now().Unix(),
			Token:           []byte("tok"),
		})
	}))
	defer srv.Close()

	client := NewOnlineClient(srv.URL)
	resp, err := client.Validate(context.Background(), ValidateRequest{
		LicenseBlob:    []byte("blob"),
		InstallationID: "install-1",
		Nonce:          "nonce-1",
	})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if resp.Verdict != VerdictValid {
		t.Errorf("verdict = %q", resp.Verdict)
	}
}

func TestOnlineClientServerErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"REVOKED","message":"license revoked"}}`)
	}))
	defer srv.Close()

	client := NewOnlineClient(srv.URL)
	_, err := client.Validate(context.Background(), ValidateRequest{InstallationID: "i", Nonce: "n"})
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}

	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatal("error must expose the underlying ServerError")
	}
	if se.StatusCode != http.StatusConflict || se.Code != "REVOKED" {
		t.Errorf("ServerError = %+v", se)
	}
}

func TestOnlineClientUnknownErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream exploded")
	}))
	defer srv.Close()

	client := NewOnlineClient(srv.URL)
	_, err := client.Validate(context.Background(), ValidateRequest{InstallationID: "i", Nonce: "n"})

	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != "UNKNOWN" || se.Message != "upstream exploded" {
		t.Errorf("ServerError = %+v", se)
	}
}

func TestAdminClientSignsRequests(t *testing.T) {
	secret := []byte("admin-secret-0123456789abcdef")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := SignBody(secret, body)
		if got := r.Header.Get(SignatureHeader); got != want {
			t.Errorf("%s = %q, want %q", SignatureHeader, got, want)
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/licenses":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(GenerateResponse{LicenseID: "lic-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/status":
			json.NewEncoder(w).Encode(ServerStatus{Status: "ok"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, secret)

	gen, err := client.Generate(context.Background(), GenerateRequest{
		CustomerID:     "cust-1",
		InstallationID: "install-1",
		Fingerprint:    "fp-1",
		Type:           "trial",
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gen.LicenseID != "lic-1" {
		t.Errorf("LicenseID = %q", gen.LicenseID)
	}

	// GET requests sign the empty body.
	if _, err := client.ServerStatus(context.Background()); err != nil {
		t.Fatalf("ServerStatus() error: %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	hc := &http.Client{}
	c := NewOnlineClient("http://example.com/",
		WithHTTPClient(hc),
		WithTimeout(3*time.Second),
		WithUserAgent("custom/1.0"),
	)
	if c.serverURL != "http://example.com" {
		t.Errorf("serverURL = %q, trailing slash should be trimmed", c.serverURL)
	}
	if c.httpClient != hc {
		t.Error("custom http client not used")
	}
	if c.httpClient.Timeout != 3*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
	if c.userAgent != "custom/1.0" {
		t.Errorf("userAgent = %q", c.userAgent)
	}
}

func TestClientContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewOnlineClient(srv.URL)
	_, err := client.Validate(ctx, ValidateRequest{InstallationID: "i", Nonce: "n"})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
