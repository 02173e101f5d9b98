package sentlicense

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense/guard"
	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense/seal"
)

const (
	defaultGraceWindow = 48 * time.Hour
	minGraceWindow     = 24 * time.Hour
	maxGraceWindow     = 72 * time.Hour

	defaultRetryAttempts = 3
	defaultRetryBackoff  = 500 * time.Millisecond
)

// Validator is the client-side license validator. It combines environment
// attestation, a local cipher pre-check, the online validation protocol, and
// an offline grace window into a single Check call.
//
// A Validator is constructed at application startup, refreshed via Check (or
// the Run loop), and discarded at shutdown. All cached validation state lives
// in the Validator; there is no package-level state.
type Validator struct {
	client       *OnlineClient
	sealer       *seal.Sealer
	blob         []byte
	installation string

	fingerprints FingerprintProvider
	attestor     guard.Attestor
	cache        *VerdictCache

	grace    time.Duration
	attempts int
	backoff  time.Duration

	log *slog.Logger
	now func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithGraceWindow sets how long a cached Valid verdict survives without
// renewed server contact. Values are clamped to [24h, 72h]: shorter windows
// punish ordinary connectivity blips, longer ones make blocking outbound
// traffic a viable bypass.
func WithGraceWindow(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.grace = min(max(d, minGraceWindow), maxGraceWindow)
	}
}

// WithFingerprintProvider replaces the default device fingerprint provider.
func WithFingerprintProvider(p FingerprintProvider) ValidatorOption {
	return func(v *Validator) {
		v.fingerprints = p
	}
}

// WithAttestor replaces the default execution environment attestor.
func WithAttestor(a guard.Attestor) ValidatorOption {
	return func(v *Validator) {
		v.attestor = a
	}
}

// WithRetry sets the online retry policy. Only network-class failures are
// retried; explicit server denials never are.
func WithRetry(attempts int, backoff time.Duration) ValidatorOption {
	return func(v *Validator) {
		if attempts > 0 {
			v.attempts = attempts
		}
		if backoff > 0 {
			v.backoff = backoff
		}
	}
}

// WithLogger sets the structured logger. Validator logging never includes
// secrets, key material, or anything beyond the abstract verdict.
func WithLogger(log *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.log = log
	}
}

// NewValidator creates a Validator for one license blob.
//
// client reaches the issuing authority, secret is the shared seal secret,
// blob is the opaque license obtained out-of-band, and installationID is the
// identity the license was issued to.
func NewValidator(client *OnlineClient, secret, blob []byte, installationID string, opts ...ValidatorOption) (*Validator, error) {
	sealer, err := seal.New(secret)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		client:       client,
		sealer:       sealer,
		blob:         blob,
		installation: installationID,
		fingerprints: NewDeviceFingerprint(),
		attestor:     guard.New(""),
		cache:        NewVerdictCache(),
		grace:        defaultGraceWindow,
		attempts:     defaultRetryAttempts,
		backoff:      defaultRetryBackoff,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Check runs one full validation cycle and returns the verdict.
//
// Order matters: attestation runs before anything touches the blob, a
// suspicious environment denies without network contact, and the deny is
// indistinguishable from an ordinary validation failure. Terminal verdicts
// stick until the Validator is replaced with a re-issued license.
func (v *Validator) Check(ctx context.Context) (Verdict, error) {
	if verdict, ok := v.cache.Terminal(); ok {
		return verdict, VerdictError(verdict)
	}

	if v.attestor.Check() != guard.Clean {
		v.cache.RecordTerminal(VerdictTamperDetected)
		return VerdictTamperDetected, ErrTamperDetected
	}

	fingerprint, err := v.fingerprints.Fingerprint()
	if err != nil {
		return VerdictInvalid, err
	}

	// Local pre-check catches gross corruption and wrong-machine blobs
	// without a round trip. Both outcomes are terminal.
	payload, err := v.sealer.Decrypt(v.blob, fingerprint)
	switch {
	case errors.Is(err, seal.ErrHardwareMismatch):
		v.cache.RecordTerminal(VerdictHardwareMismatch)
		return VerdictHardwareMismatch, ErrHardwareMismatch
	case err != nil:
		v.cache.RecordTerminal(VerdictTamperDetected)
		return VerdictTamperDetected, ErrTamperDetected
	}

	nonce := uuid.NewString()
	resp, err := v.validateOnline(ctx, nonce)
	if err != nil {
		now := v.now()
		if v.cache.ValidWithin(v.grace, now) {
			v.log.Debug("license server unreachable, serving cached verdict",
				slog.Duration("grace", v.grace))
			return VerdictValid, nil
		}
		v.log.Warn("license server unreachable and grace window elapsed")
		return VerdictInvalid, ErrNetworkUnavailable
	}

	if resp.Verdict == VerdictValid {
		// An authentic response proves itself by returning our nonce
		// sealed under the rotating window key. A missing or stale
		// token means a replayed capture, not a fresh verdict.
		opened, err := v.sealer.OpenToken(resp.Token, v.now())
		if err != nil || opened != nonce {
			return VerdictInvalid, ErrStaleToken
		}
		v.cache.RecordValid(payload.Features, v.now())
		return VerdictValid, nil
	}

	if resp.Verdict.Terminal() {
		v.cache.RecordTerminal(resp.Verdict)
	} else {
		// An explicit deny is authoritative; a stale cached Valid must
		// not outlive it into the next network outage.
		v.cache.Invalidate()
	}
	return resp.Verdict, VerdictError(resp.Verdict)
}

// validateOnline calls the authority with bounded retry and exponential
// backoff. Explicit verdicts come back as responses; only transport failures
// and 5xx server errors are retried.
func (v *Validator) validateOnline(ctx context.Context, nonce string) (*ValidateResponse, error) {
	req := ValidateRequest{
		LicenseBlob:    v.blob,
		InstallationID: v.installation,
		Nonce:          nonce,
	}

	backoff := v.backoff
	var lastErr error
	for attempt := 0; attempt < v.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req.Timestamp = v.now().Unix()
		resp, err := v.client.Validate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var se *ServerError
		if errors.As(err, &se) && se.StatusCode < 500 {
			// The server answered deliberately; retrying cannot help.
			return nil, err
		}
	}
	return nil, lastErr
}

// Features returns the feature set of the current license, or nil when the
// license is not in a usable state. This is one of the two narrow calls the
// hosting application integrates through.
func (v *Validator) Features() []string {
	return v.cache.Features()
}

// Run re-validates on a fixed interval until ctx is cancelled. Each cycle is
// bounded by the client timeout, so a hung server never blocks the caller
// longer than that; a timeout is handled like any connection failure.
func (v *Validator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			verdict, err := v.Check(ctx)
			if err != nil {
				v.log.Warn("periodic license check denied",
					slog.String("verdict", string(verdict)))
			} else {
				v.log.Debug("periodic license check ok",
					slog.String("verdict", string(verdict)))
			}
		}
	}
}
