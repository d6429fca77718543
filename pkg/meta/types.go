package meta

import (
	"fmt"
)

// Business is a Meta business grouping the tenant's user belongs to.
type Business struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WABA is a WhatsApp Business Account identity on the platform.
type WABA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PhoneNumber is a phone number attached to a WABA, as returned upstream.
type PhoneNumber struct {
	ID                string `json:"id"`
	DisplayNumber     string `json:"display_phone_number"`
	VerifiedName      string `json:"verified_name"`
	QualityRating     string `json:"quality_rating"`
	CodeVerifiedState string `json:"code_verification_status"`
}

// Verified reports whether the number is usable for messaging. The platform
// exposes no dedicated status field here; presence of a verified name is the
// compatibility-critical heuristic.
func (p PhoneNumber) Verified() bool {
	return p.VerifiedName != ""
}

// VerifyMethod selects how a verification code is delivered.
type VerifyMethod string

const (
	VerifySMS   VerifyMethod = "SMS"
	VerifyVoice VerifyMethod = "VOICE"
)

// APIError is a decoded Graph API error response.
type APIError struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"-"` // HTTP status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error (http %d, code %d): %s", e.Status, e.Code, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}
