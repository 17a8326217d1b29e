package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"concierge/internal/config"
	"concierge/internal/domain"
)

const (
	modelHistoryTurns   = 12
	modelTurnCharLimit  = 1200
	defaultModelTimeout = 2500 * time.Millisecond
	defaultConfidence   = 0.7
)

const modelSystemPrompt = `You route customer messages for an appointment desk.
Respond with a single JSON object:
{"action":"reply"|"tool","tool":"check_availability"|"book_appointment"|"create_ticket"|"handoff_to_human","tool_input":{...},"continue":false,"reply":"text for the user","confidence":0.0-1.0,"reasoning":"short"}
Tool inputs: check_availability{date}, book_appointment{date,time,email}, create_ticket{issue_summary}, handoff_to_human{reason}.
Set "continue" to true only when you need to see the tool result before answering.
Ask for a missing date, time or email with action "reply" before booking. Hand hostile or unclear messages to a human.`

var knownTools = map[string]bool{
	domain.ToolCheckAvailability: true,
	domain.ToolBookAppointment:   true,
	domain.ToolCreateTicket:      true,
	domain.ToolHandoffToHuman:    true,
}

// ModelConfig configures an OpenAI-compatible chat completions planner.
type ModelConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	AppName    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Model asks a hosted language model for the next action. Any transport,
// status or payload problem is returned as an error so callers can fall back
// to the rule table.
type Model struct {
	cfg        ModelConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewModel(cfg ModelConfig) *Model {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultModelTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{cfg: cfg, httpClient: client, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelDecision struct {
	Action     string         `json:"action"`
	Tool       string         `json:"tool"`
	ToolInput  map[string]any `json:"tool_input"`
	Continue   bool           `json:"continue"`
	Reply      string         `json:"reply"`
	Confidence *float64       `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
}

func (m *Model) Decide(ctx context.Context, history []domain.Message, s domain.Slots) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:          m.cfg.Model,
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages:       buildMessages(history, s),
	})
	if err != nil {
		return Action{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(m.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Action{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}
	if m.cfg.AppName != "" {
		req.Header.Set("X-Application-Name", m.cfg.AppName)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Action{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Action{}, fmt.Errorf("planner API error %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Action{}, fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Choices) == 0 || strings.TrimSpace(payload.Choices[0].Message.Content) == "" {
		return Action{}, errors.New("planner returned empty content")
	}
	content := payload.Choices[0].Message.Content
	m.logger.Log(ctx, config.LevelTrace, "planner response", "content", content)

	var d modelDecision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return Action{}, fmt.Errorf("planner returned invalid json: %w", err)
	}
	return d.toAction()
}

func (d modelDecision) toAction() (Action, error) {
	confidence := defaultConfidence
	if d.Confidence != nil {
		confidence = min(max(*d.Confidence, 0), 1)
	}
	var a Action
	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case string(KindTool):
		tool := strings.ToLower(strings.TrimSpace(d.Tool))
		if !knownTools[tool] {
			return Action{}, fmt.Errorf("planner chose unknown tool %q", d.Tool)
		}
		a = ToolCall(tool, d.ToolInput, confidence)
		a.Continue = d.Continue && tool != domain.ToolHandoffToHuman
	case string(KindReply):
		text := strings.TrimSpace(d.Reply)
		if text == "" {
			return Action{}, errors.New("planner reply is empty")
		}
		a = Reply(truncate(text, 1000), confidence)
	default:
		return Action{}, fmt.Errorf("planner returned unknown action %q", d.Action)
	}
	a.Source = SourceModel
	a.Rule = d.Reasoning
	return a, nil
}

func buildMessages(history []domain.Message, s domain.Slots) []chatMessage {
	system := modelSystemPrompt
	if len(s) > 0 {
		if data, err := json.Marshal(s); err == nil {
			system += "\nKnown slots: " + string(data)
		}
	}
	msgs := []chatMessage{{Role: "system", Content: system}}
	var turns []chatMessage
	for _, h := range history {
		// Tool payloads are summarised in the following assistant message.
		if h.Role != domain.RoleUser && h.Role != domain.RoleAssistant {
			continue
		}
		turns = append(turns, chatMessage{Role: h.Role, Content: truncate(h.Content, modelTurnCharLimit)})
	}
	if len(turns) > modelHistoryTurns {
		turns = turns[len(turns)-modelHistoryTurns:]
	}
	return append(msgs, turns...)
}
