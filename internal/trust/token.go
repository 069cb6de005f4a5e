package trust

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/fieldsync/internal/canonical"
)

// Issuance and renewal parameters.
const (
	MinScore      = 90
	TokenLifetime = 3 * time.Hour
	RenewalWindow = 30 * time.Minute
)

// Action is an operation a token may authorize.
type Action string

const (
	ActionViewDashboard Action = "view_dashboard"
	ActionViewSales     Action = "view_sales"
	ActionViewStock     Action = "view_stock"
	ActionCreateSale    Action = "create_sale"
	ActionUpdateStock   Action = "update_stock"
	ActionViewProfile   Action = "view_profile"

	ActionTransferMoney     Action = "transfer_money"
	ActionUpdateProfile     Action = "update_profile"
	ActionManageUsers       Action = "manage_users"
	ActionViewSensitiveData Action = "view_sensitive_data"
)

// OfflineActions is the allow-list every issued token carries.
var OfflineActions = []Action{
	ActionViewDashboard,
	ActionViewSales,
	ActionViewStock,
	ActionCreateSale,
	ActionUpdateStock,
	ActionViewProfile,
}

// RestrictedActions always require a live online session.
var RestrictedActions = []Action{
	ActionTransferMoney,
	ActionUpdateProfile,
	ActionManageUsers,
	ActionViewSensitiveData,
}

// Token is a signed offline authorization.
type Token struct {
	MerchantID        int64
	DeviceFingerprint string
	Score             int
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AllowedActions    []Action
	SessionID         string
	Signature         string
}

// wireToken is the serialized form: camelCase keys, unix millis.
type wireToken struct {
	MerchantID        int64    `json:"merchantId"`
	DeviceFingerprint string   `json:"deviceFingerprint"`
	Score             int      `json:"score"`
	IssuedAt          int64    `json:"issuedAt"`
	ExpiresAt         int64    `json:"expiresAt"`
	AllowedActions    []Action `json:"allowedActions"`
	SessionID         string   `json:"sessionId"`
	Signature         string   `json:"signature"`
}

// MarshalJSON encodes the wire form.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireToken{
		MerchantID:        t.MerchantID,
		DeviceFingerprint: t.DeviceFingerprint,
		Score:             t.Score,
		IssuedAt:          t.IssuedAt.UnixMilli(),
		ExpiresAt:         t.ExpiresAt.UnixMilli(),
		AllowedActions:    t.AllowedActions,
		SessionID:         t.SessionID,
		Signature:         t.Signature,
	})
}

// UnmarshalJSON decodes the wire form.
func (t *Token) UnmarshalJSON(data []byte) error {
	var w wireToken
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Token{
		MerchantID:        w.MerchantID,
		DeviceFingerprint: w.DeviceFingerprint,
		Score:             w.Score,
		IssuedAt:          time.UnixMilli(w.IssuedAt).UTC(),
		ExpiresAt:         time.UnixMilli(w.ExpiresAt).UTC(),
		AllowedActions:    w.AllowedActions,
		SessionID:         w.SessionID,
		Signature:         w.Signature,
	}
	return nil
}

// signingObject is the payload covered by the signature: every field but
// the signature itself.
func (t *Token) signingObject() canonical.Object {
	actions := make([]any, len(t.AllowedActions))
	for i, a := range t.AllowedActions {
		actions[i] = string(a)
	}
	return canonical.Object{
		"merchantId":        t.MerchantID,
		"deviceFingerprint": t.DeviceFingerprint,
		"score":             t.Score,
		"issuedAt":          t.IssuedAt.UnixMilli(),
		"expiresAt":         t.ExpiresAt.UnixMilli(),
		"allowedActions":    actions,
		"sessionId":         t.SessionID,
	}
}

// Serialize encodes a token for local storage.
func Serialize(t *Token) (string, error) {
	if t == nil {
		return "", fmt.Errorf("serialize: nil token")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return string(data), nil
}

// requiredFields must all be present in a serialized token.
var requiredFields = []string{
	"merchantId", "deviceFingerprint", "score", "issuedAt",
	"expiresAt", "allowedActions", "sessionId", "signature",
}

// Deserialize decodes a stored token. It returns nil on malformed input or
// when any field is missing.
func Deserialize(s string) *Token {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil
	}
	for _, name := range requiredFields {
		if v, ok := fields[name]; !ok || string(v) == "null" {
			return nil
		}
	}

	var t Token
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil
	}
	if t.MerchantID == 0 || t.DeviceFingerprint == "" || t.Signature == "" || t.SessionID == "" {
		return nil
	}
	return &t
}

// IsActionAllowed reports whether the token's allow-list contains action.
// Restricted actions are never allowed.
func IsActionAllowed(t *Token, action Action) bool {
	if t == nil || slices.Contains(RestrictedActions, action) {
		return false
	}
	return slices.Contains(t.AllowedActions, action)
}

// Hash is the audit key of a token: a digest over merchant, session and
// signature.
func Hash(t *Token) (string, error) {
	if t == nil {
		return "", fmt.Errorf("hash: nil token")
	}
	return canonical.HashObject(canonical.DomainTokenHash, canonical.Object{
		"merchantId": t.MerchantID,
		"sessionId":  t.SessionID,
		"signature":  t.Signature,
	})
}
