package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/SentinelSoftworks/sentinel-license-engine/internal/authority"
	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
)

// errorResponse is the wire format for every non-2xx response.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// decodeValid decodes a JSON body into dst and runs struct validation.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST",
				"invalid field "+verrs[0].Field())
			return false
		}
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request")
		return false
	}
	return true
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req sentlicense.ValidateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if req.InstallationID == "" || req.Nonce == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST",
			"installation_id and nonce are required")
		return
	}

	start := time.Now()
	result := s.auth.Validate(r.Context(), authority.ValidateInput{
		Blob:           req.LicenseBlob,
		InstallationID: req.InstallationID,
		Nonce:          req.Nonce,
		Timestamp:      req.Timestamp,
		SourceAddr:     r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	})
	s.metrics.observeValidation(result.Verdict, time.Since(start))

	// Deny verdicts travel as normal responses. Transport status stays 200
	// so a client cannot probe the denial reason from the status code.
	render.JSON(w, r, sentlicense.ValidateResponse{
		Verdict:         result.Verdict,
		Message:         result.Message,
		ServerTimestamp: time.Now().Unix(),
		Token:           result.Token,
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req sentlicense.GenerateRequest
	if !s.decodeValid(w, r, &req) {
		return
	}

	lic, err := s.auth.Generate(r.Context(), authority.GenerateInput{
		CustomerID:     req.CustomerID,
		InstallationID: req.InstallationID,
		Fingerprint:    req.Fingerprint,
		Type:           req.Type,
		Features:       req.Features,
	})
	if err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}
	s.metrics.adminOps.WithLabelValues("generate").Inc()

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sentlicense.GenerateResponse{
		LicenseID:   lic.ID,
		LicenseBlob: lic.Blob,
		Type:        lic.Type,
		IssuedAt:    lic.IssuedAt,
		ExpiresAt:   lic.ExpiresAt,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req sentlicense.RevokeRequest
	if !s.decodeValid(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.auth.Revoke(r.Context(), id, req.Reason); err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}
	s.metrics.adminOps.WithLabelValues("revoke").Inc()

	render.NoContent(w, r)
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req sentlicense.RebindRequest
	if !s.decodeValid(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	lic, err := s.auth.Rebind(r.Context(), id, req.Fingerprint)
	if err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}
	s.metrics.adminOps.WithLabelValues("rebind").Inc()

	render.JSON(w, r, sentlicense.RebindResponse{
		LicenseID:   lic.ID,
		LicenseBlob: lic.Blob,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lic, err := s.auth.Status(r.Context(), id)
	if err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}

	render.JSON(w, r, sentlicense.LicenseStatus{
		LicenseID:       lic.ID,
		CustomerID:      lic.CustomerID,
		InstallationID:  lic.InstallationID,
		Type:            lic.Type,
		Status:          lic.Status,
		IssuedAt:        lic.IssuedAt,
		ExpiresAt:       lic.ExpiresAt,
		ValidationCount: lic.ValidationCount,
		LastValidatedAt: lic.LastValidatedAt,
	})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, sentlicense.ServerStatus{
		Status:    "ok",
		Version:   Version,
		Timestamp: time.Now().Unix(),
	})
}

// writeAuthorityError maps authority errors to the wire error format.
func (s *Server) writeAuthorityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authority.ErrLicenseNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "license not found")
	case errors.Is(err, authority.ErrCustomerNotFound):
		writeError(w, r, http.StatusNotFound, "CUSTOMER_NOT_FOUND", "customer not found")
	case errors.Is(err, authority.ErrCustomerSuspended):
		writeError(w, r, http.StatusConflict, "CUSTOMER_SUSPENDED", "customer is suspended")
	case errors.Is(err, authority.ErrLicenseNotActive):
		writeError(w, r, http.StatusConflict, "NOT_ACTIVE", "license is not active")
	case errors.Is(err, authority.ErrInvalidType):
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid license type")
	default:
		s.log.Error("admin operation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
