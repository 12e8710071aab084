package audit

import (
	"encoding/json"
	"time"
)

// Action names the auth operation an event records.
type Action string

const (
	ActionLogin            Action = "auth.login"
	ActionLoginFailed      Action = "auth.login_failed"
	ActionLogout           Action = "auth.logout"
	ActionRegister         Action = "auth.register"
	ActionMFASetup         Action = "auth.mfa_setup"
	ActionMFAVerify        Action = "auth.mfa_verify"
	ActionMFAVerifyFailed  Action = "auth.mfa_verify_failed"
	ActionRotation         Action = "auth.credential_rotation"
	ActionHashUpgrade      Action = "auth.credential_hash_upgrade"
	ActionRotationFailed   Action = "auth.credential_rotation_failed"
	ActionRotationPending  Action = "auth.rotation_required"
	ActionProvision        Action = "auth.identity_provision"
	ActionTokenRefresh     Action = "auth.token_refresh"
	ActionTokenRefreshFail Action = "auth.token_refresh_failed"
	ActionFederatedLogin   Action = "auth.federated_login"
	ActionFederatedFailed  Action = "auth.federated_login_failed"
	ActionRateLimited      Action = "auth.rate_limited"
	ActionConfigChange     Action = "auth.provider_config_change"
)

// Status is the outcome of the recorded operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
	StatusDenied  Status = "denied"
)

// Event is one audit record. Detail carries the per-action bag; it must
// never contain passwords, hashes, codes or secrets.
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Action    Action                 `json:"action"`
	Status    Status                 `json:"status"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	Protocol  string                 `json:"protocol,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
