// Package notification renders and delivers messages to field phlebotomists.
// Delivery is behind the SMSSender interface; the bundled LogSender writes
// messages to the structured log for environments without an SMS gateway.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeSMS  NotificationType = "sms"
	TypePush NotificationType = "push"
)

const TemplatePhlebotomistAssigned = "phlebotomist-assigned"

// ErrNoRecipient is returned when a notice has nowhere to go. Retrying will
// not help.
var ErrNoRecipient = errors.New("notification has no recipient")

// Notification represents a single outbound notification.
type Notification struct {
	ID         string            `json:"id"`
	Type       NotificationType  `json:"type"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender "delivers" by logging the message.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "sms").Logger()}
}

func (s *LogSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info().Str("to", to).Str("body", body).Msg("sms sent")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplatePhlebotomistAssigned,
			Name:    "Phlebotomist Assigned",
			Subject: "New collection {{booking_number}}",
			Body:    "Hi {{agent_name}}, booking {{booking_number}} has been assigned to you at {{assigned_at}}. Open the PickMyLab app for the address and tests.",
			Type:    TypeSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns a copy of the template with the given id.
func (e *TemplateEngine) Lookup(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// AssignmentNotice carries what a phlebotomist needs to hear about a new
// assignment.
type AssignmentNotice struct {
	BookingID     string
	BookingNumber string
	AgentID       string
	AgentName     string
	Phone         string
	AssignedAt    time.Time
}

// Manager renders templates and sends them, keeping per-status counts.
type Manager struct {
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu    sync.Mutex
	stats map[string]int
}

// NewManager constructs a Manager. A nil template engine gets the built-ins.
func NewManager(sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		sms:       sms,
		templates: tpl,
		logger:    logger.With().Str("component", "notification").Logger(),
		stats:     make(map[string]int),
	}
}

// Send delivers n through its channel and records the outcome on n.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = "pending"
	if n.Recipient == "" {
		n.Status = "failed"
		n.Error = ErrNoRecipient.Error()
		m.record(n.Status)
		return ErrNoRecipient
	}

	var sendErr error
	switch n.Type {
	case TypeSMS:
		sendErr = m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		sendErr = fmt.Errorf("unsupported notification type: %s", n.Type)
	}

	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	m.record(n.Status)
	return sendErr
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	tpl, _ := m.templates.Lookup(templateID)

	n := &Notification{
		Type:       tpl.Type,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// NotifyAgentAssigned tells a phlebotomist about a new booking.
func (m *Manager) NotifyAgentAssigned(ctx context.Context, notice AssignmentNotice) (*Notification, error) {
	name := notice.AgentName
	if name == "" {
		name = notice.AgentID
	}
	n, err := m.SendFromTemplate(ctx, TemplatePhlebotomistAssigned, map[string]string{
		"agent_name":     name,
		"booking_number": notice.BookingNumber,
		"assigned_at":    notice.AssignedAt.UTC().Format("02 Jan 15:04 MST"),
	}, notice.Phone)
	if n != nil {
		n.Metadata = map[string]string{"booking_id": notice.BookingID, "agent_id": notice.AgentID}
	}
	if err != nil {
		m.logger.Warn().Err(err).
			Str("booking_id", notice.BookingID).
			Str("agent_id", notice.AgentID).
			Msg("assignment notification not delivered")
		return n, err
	}
	return n, nil
}

func (m *Manager) record(status string) {
	m.mu.Lock()
	m.stats[status]++
	m.mu.Unlock()
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out
}
