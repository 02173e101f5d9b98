package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
)

const maxAdminBody = 1 << 20 // 1 MB

// adminAuth gates the admin endpoints: the source address must be on the
// allowlist when one is configured, and the request must carry a valid
// HMAC-SHA256 over the raw body in the signature header.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.addrAllowed(r.RemoteAddr) {
			s.log.Warn("admin request from disallowed address",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path),
			)
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", "address not allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		got, err := hex.DecodeString(r.Header.Get(sentlicense.SignatureHeader))
		if err != nil || len(got) == 0 {
			writeError(w, r, http.StatusUnauthorized, "SIGNATURE_INVALID", "missing request signature")
			return
		}
		mac := hmac.New(sha256.New, s.adminSecret)
		mac.Write(body)
		if !hmac.Equal(mac.Sum(nil), got) {
			s.log.Warn("admin request with bad signature",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path),
			)
			writeError(w, r, http.StatusUnauthorized, "SIGNATURE_INVALID", "invalid request signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// addrAllowed reports whether remoteAddr passes the admin allowlist. Entries
// match the bare host; an empty allowlist admits everyone.
func (s *Server) addrAllowed(remoteAddr string) bool {
	if len(s.adminAllowlist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	for _, allowed := range s.adminAllowlist {
		if host == allowed {
			return true
		}
	}
	return false
}
