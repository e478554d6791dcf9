package gateway

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
	CSRFToken string `json:"csrf_token"`
}

// TwoFactorVerifyRequest is the JSON body for POST /auth/2fa/verify.
type TwoFactorVerifyRequest struct {
	Code string `json:"code"`
}

// TwoFactorVerifyResponse is returned from POST /auth/2fa/verify.
type TwoFactorVerifyResponse struct {
	Verified  bool   `json:"verified"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// SessionInfoResponse is returned from GET /auth/session.
type SessionInfoResponse struct {
	UserID     string `json:"user_id"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
	LastSeenAt string `json:"last_seen_at"`
}

// CSRFTokenResponse is returned from GET /auth/csrf.
type CSRFTokenResponse struct {
	Token string `json:"token"`
}
