package assistant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/prompt"
	"github.com/ehr/portal/internal/platform/remote"
	"github.com/ehr/portal/pkg/soql"
)

const (
	// MaxHistory is the number of prior turns forwarded to the model.
	MaxHistory = 10
	// MaxMessageLength bounds a single user message.
	MaxMessageLength = 4000
)

// Generator is the part of the remote client the assistant needs.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (json.RawMessage, error)
	GenerateChat(ctx context.Context, messages []remote.Message) (json.RawMessage, error)
}

type ChatRequest struct {
	Message             string           `json:"message"`
	PatientContext      json.RawMessage  `json:"patientContext,omitempty"`
	DepartmentContext   json.RawMessage  `json:"departmentContext,omitempty"`
	DashboardContext    json.RawMessage  `json:"dashboardContext,omitempty"`
	ConversationHistory []remote.Message `json:"conversationHistory,omitempty"`
}

type InsightRequest struct {
	Type      string          `json:"type"`
	PatientID string          `json:"patientId"`
	Context   json.RawMessage `json:"context,omitempty"`
}

type Insight struct {
	Type      string `json:"type"`
	PatientID string `json:"patientId"`
	Insight   string `json:"insight"`
}

type Service struct {
	gen      Generator
	hospital string
}

func NewService(gen Generator, hospital string) *Service {
	return &Service{gen: gen, hospital: hospital}
}

// Validate checks a chat request without contacting the model.
func (r *ChatRequest) Validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return apperr.Validation("message is required")
	}
	if len([]rune(msg)) > MaxMessageLength {
		return apperr.Validation("message exceeds %d characters", MaxMessageLength)
	}
	for i, m := range r.ConversationHistory {
		if m.Role != "user" && m.Role != "assistant" {
			return apperr.Validation("conversationHistory[%d] has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Messages assembles the conversation sent to the model: the rendered
// system message, the most recent history, then the new user message.
func (s *Service) Messages(req *ChatRequest) ([]remote.Message, error) {
	system, err := prompt.RenderChatSystem(prompt.ChatSystem{
		Hospital:   s.hospital,
		Patient:    nonNull(req.PatientContext),
		Department: nonNull(req.DepartmentContext),
		Dashboard:  nonNull(req.DashboardContext),
	})
	if err != nil {
		return nil, err
	}

	history := req.ConversationHistory
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	msgs := make([]remote.Message, 0, len(history)+2)
	msgs = append(msgs, remote.Message{Role: "system", Content: system})
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, remote.Message{Role: "user", Content: strings.TrimSpace(req.Message)})
	return msgs, nil
}

// Chat returns the assistant's reply.
func (s *Service) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	msgs, err := s.Messages(req)
	if err != nil {
		return "", err
	}
	raw, err := s.gen.GenerateChat(ctx, msgs)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(remote.ExtractGeneratedText(raw))
	if reply == "" {
		return "", apperr.Remote("model returned no text", nil)
	}
	return reply, nil
}

func validInsightType(t string) (string, bool) {
	t = strings.ToLower(strings.TrimSpace(t))
	for _, known := range prompt.InsightTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Insight generates a single insight about a patient.
func (s *Service) Insight(ctx context.Context, req *InsightRequest) (*Insight, error) {
	kind, ok := validInsightType(req.Type)
	if !ok {
		return nil, apperr.Validation("type must be one of %s", strings.Join(prompt.InsightTypes, ", "))
	}
	id, err := soql.Validate(req.PatientID)
	if err != nil {
		return nil, apperr.Validation("patientId is required and may contain only letters, digits, spaces and - & . ,")
	}

	text, err := prompt.RenderInsight(prompt.Insight{Type: kind, PatientID: id, Context: nonNull(req.Context)})
	if err != nil {
		return nil, err
	}
	raw, err := s.gen.GenerateText(ctx, text)
	if err != nil {
		return nil, err
	}
	insight := strings.TrimSpace(remote.ExtractGeneratedText(raw))
	if insight == "" {
		return nil, apperr.Remote("model returned no text", nil)
	}
	return &Insight{Type: kind, PatientID: id, Insight: insight}, nil
}

// nonNull maps absent and JSON null payloads to nil so templates skip them.
func nonNull(raw json.RawMessage) any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]" {
		return nil
	}
	return raw
}
