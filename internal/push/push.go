package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"time"

	"github.com/HeteroCat/microtouch/config"
)

// Target is one delivery destination. Config keys depend on Type:
// "email" wants "to", "webhook" wants "url", "in_app" needs nothing.
type Target struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Message is the report as delivered.
type Message struct {
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Report tallies a fan-out. Results holds one entry per target, in
// delivery order.
type Report struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []TargetResult `json:"results,omitempty"`
}

// TargetResult is the outcome for a single target. Error is empty on
// success.
type TargetResult struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// NotificationStore persists in-app notifications. Implemented by the
// storage layer.
type NotificationStore interface {
	SaveNotification(ctx context.Context, userID, title, content string, metadata map[string]interface{}) error
}

// Dispatcher sends reports to push targets. Each target is attempted
// independently; one failure never blocks the rest.
type Dispatcher struct {
	cfg    config.PushConfig
	store  NotificationStore
	http   *http.Client
	logger *log.Logger

	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewDispatcher(cfg config.PushConfig, store NotificationStore, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[PUSH] ", log.LstdFlags)
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Deliver fans msg out to every target and reports per-target results.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, targets []Target, msg Message) Report {
	var report Report
	for _, t := range targets {
		var err error
		switch t.Type {
		case "email":
			err = d.sendEmail(t, msg)
		case "webhook":
			err = d.sendWebhook(ctx, t, msg)
		case "in_app":
			err = d.saveInApp(ctx, userID, msg)
		default:
			err = fmt.Errorf("unknown push target type %q", t.Type)
		}
		res := TargetResult{Type: t.Type}
		if err != nil {
			report.Failed++
			res.Error = err.Error()
			d.logger.Printf("delivery to %s failed: %v", t.Type, err)
		} else {
			report.Succeeded++
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (d *Dispatcher) sendEmail(t Target, msg Message) error {
	to, _ := t.Config["to"].(string)
	if to == "" {
		return fmt.Errorf("email target missing \"to\"")
	}
	cfg := d.cfg.Email
	if cfg.SMTPHost == "" {
		return fmt.Errorf("smtp not configured")
	}
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", to)
	fmt.Fprintf(&body, "Subject: %s\r\n", mimeSubject(msg.Title))
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	body.WriteString(msg.Content)

	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	return d.sendMail(addr, auth, cfg.From, []string{to}, body.Bytes())
}

// mimeSubject encodes non-ASCII subjects per RFC 2047.
func mimeSubject(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(s)))
		}
	}
	return s
}

type webhookPayload struct {
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Format   string                 `json:"format"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

func (d *Dispatcher) sendWebhook(ctx context.Context, t Target, msg Message) error {
	url, _ := t.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("webhook target missing \"url\"")
	}
	body, err := json.Marshal(webhookPayload{
		Title:    msg.Title,
		Content:  msg.Content,
		Format:   "markdown",
		Metadata: msg.Metadata,
		SentAt:   time.Now(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) saveInApp(ctx context.Context, userID string, msg Message) error {
	if d.store == nil {
		return fmt.Errorf("notification store not configured")
	}
	return d.store.SaveNotification(ctx, userID, msg.Title, msg.Content, msg.Metadata)
}
