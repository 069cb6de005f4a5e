package trust

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/metrics"
)

// ErrMissingSecret is returned when no signing secret is configured.
var ErrMissingSecret = errors.New("trust: signing secret not configured")

// Reason explains why a token failed validation.
type Reason string

const (
	ReasonExpired           Reason = "expired"
	ReasonDeviceMismatch    Reason = "device_mismatch"
	ReasonInsufficientScore Reason = "insufficient_score"
	ReasonInvalidSignature  Reason = "invalid_signature"
	ReasonMalformed         Reason = "malformed"
)

// Validation is the result of Validate. Reason is empty when Valid.
type Validation struct {
	Valid         bool          `json:"valid"`
	Reason        Reason        `json:"reason,omitempty"`
	TimeRemaining time.Duration `json:"timeRemaining,omitempty"`
}

// Manager signs and validates tokens with a single secret.
type Manager struct {
	secret  []byte
	now     func() time.Time
	random  io.Reader
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandom overrides the session ID entropy source.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// WithMetrics counts validation outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. The secret must be non-empty.
func NewManager(secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	m := &Manager{
		secret: slices.Clone(secret),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Generate issues a token, or returns nil without error when score is below
// MinScore.
func (m *Manager) Generate(merchantID int64, fingerprint string, score int) (*Token, error) {
	if score < MinScore {
		return nil, nil
	}

	session := make([]byte, 16)
	if _, err := io.ReadFull(m.random, session); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	// Millisecond precision survives the wire form unchanged.
	now := time.UnixMilli(m.now().UnixMilli()).UTC()
	t := &Token{
		MerchantID:        merchantID,
		DeviceFingerprint: fingerprint,
		Score:             score,
		IssuedAt:          now,
		ExpiresAt:         now.Add(TokenLifetime),
		AllowedActions:    slices.Clone(OfflineActions),
		SessionID:         hex.EncodeToString(session),
	}
	sig, err := m.sign(t)
	if err != nil {
		return nil, err
	}
	t.Signature = sig

	slog.Debug("trust token issued", "merchant_id", merchantID, "expires_at", t.ExpiresAt)
	return t, nil
}

// Validate checks expiry, device binding, score and signature, in that
// order. It never panics and depends only on the token, fingerprint, clock
// and secret.
func (m *Manager) Validate(t *Token, fingerprint string) Validation {
	v := m.validate(t, fingerprint)
	outcome := "valid"
	if !v.Valid {
		outcome = string(v.Reason)
	}
	m.metrics.RecordTokenCheck(outcome)
	return v
}

func (m *Manager) validate(t *Token, fingerprint string) Validation {
	if t == nil {
		return Validation{Reason: ReasonMalformed}
	}
	now := m.now()
	if !now.Before(t.ExpiresAt) {
		return Validation{Reason: ReasonExpired}
	}
	if t.DeviceFingerprint != fingerprint {
		return Validation{Reason: ReasonDeviceMismatch}
	}
	if t.Score < MinScore {
		return Validation{Reason: ReasonInsufficientScore}
	}
	data, err := canonical.Marshal(t.signingObject())
	if err != nil || !canonical.Verify(m.secret, canonical.DomainTrustToken, data, t.Signature) {
		return Validation{Reason: ReasonInvalidSignature}
	}
	return Validation{Valid: true, TimeRemaining: t.ExpiresAt.Sub(now)}
}

// NeedsRenewal is true while the token has less than RenewalWindow left but
// has not yet expired.
func (m *Manager) NeedsRenewal(t *Token) bool {
	if t == nil {
		return false
	}
	remaining := t.ExpiresAt.Sub(m.now())
	return remaining > 0 && remaining < RenewalWindow
}

// Metadata is a display summary of a token.
type Metadata struct {
	ExpiresIn      string `json:"expiresIn"`
	ExpiringSoon   bool   `json:"expiringSoon"`
	AllowedActions int    `json:"allowedActionsCount"`
}

// Describe summarizes the token for display.
func (m *Manager) Describe(t *Token) Metadata {
	if t == nil {
		return Metadata{ExpiresIn: "expired", ExpiringSoon: true}
	}
	remaining := t.ExpiresAt.Sub(m.now())
	hours := int(remaining / time.Hour)
	minutes := int((remaining % time.Hour) / time.Minute)

	var expiresIn string
	switch {
	case hours > 0:
		expiresIn = fmt.Sprintf("%dh %dmin", hours, minutes)
	case minutes > 0:
		expiresIn = fmt.Sprintf("%d minutes", minutes)
	default:
		expiresIn = "expired"
	}

	return Metadata{
		ExpiresIn:      expiresIn,
		ExpiringSoon:   remaining < RenewalWindow,
		AllowedActions: len(t.AllowedActions),
	}
}

func (m *Manager) sign(t *Token) (string, error) {
	sig, err := canonical.SignObject(m.secret, canonical.DomainTrustToken, t.signingObject())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return sig, nil
}
