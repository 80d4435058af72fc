package server

import (
	"time"

	"github.com/HeteroCat/microtouch/internal/push"
)

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type HTTPError struct {
	Error string `json:"error"`
}

type SourceConfigRequest struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Config      map[string]interface{} `json:"config"`
	Schedule    string                 `json:"schedule"`
	Enabled     *bool                  `json:"enabled"`
	PushTargets []push.Target          `json:"push_targets"`
}

type SourceConfigResponse struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	Config        map[string]interface{} `json:"config"`
	Schedule      string                 `json:"schedule"`
	Enabled       bool                   `json:"enabled"`
	PushTargets   []push.Target          `json:"push_targets"`
	LastCheckAt   *time.Time             `json:"last_check_at,omitempty"`
	LastContentID string                 `json:"last_content_id,omitempty"`
	ErrorCount    int                    `json:"error_count"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

type AgentSearchRequest struct {
	Query       string        `json:"query"`
	ReportType  string        `json:"report_type,omitempty"`
	PushTargets []push.Target `json:"push_targets,omitempty"`
}

type NotificationResponse struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
}
