package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatloop/chatloop/internal/models"
)

// TextGenerator produces message text from a prompt pair. Implemented by
// genai.Client for openai bindings; nil when no generator is configured.
type TextGenerator interface {
	GeneratePromptResponse(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	apiBindingTimeout  = 15 * time.Second
	maxBindingRespSize = 16 * 1024
)

// Renderer turns flow nodes into outbound messages. Template placeholders of
// the form {{key}} are substituted from the session's captured data, with
// {{contact}} bound to the contact's phone number.
type Renderer struct {
	gen        TextGenerator
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRenderer(gen TextGenerator, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		gen:        gen,
		httpClient: &http.Client{Timeout: apiBindingTimeout},
		logger:     logger,
	}
}

// RenderNode produces the outbound message for an interactive or end node.
func (r *Renderer) RenderNode(node *models.Node, sess *models.Session) models.OutboundMessage {
	msg := models.OutboundMessage{
		To:   sess.ContactID,
		Body: r.substitute(node.Body, sess),
	}
	if node.ButtonInputs {
		for _, id := range node.AllowedInputs {
			msg.Buttons = append(msg.Buttons, models.Button{ID: id, Label: buttonLabel(id)})
		}
	}
	return msg
}

// RenderText produces a plain outbound message with substitution applied.
func (r *Renderer) RenderText(body string, sess *models.Session) models.OutboundMessage {
	return models.OutboundMessage{To: sess.ContactID, Body: r.substitute(body, sess)}
}

func (r *Renderer) substitute(body string, sess *models.Session) string {
	if !strings.Contains(body, "{{") {
		return body
	}
	out := strings.ReplaceAll(body, "{{contact}}", sess.ContactID)
	for k, v := range sess.Data {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// buttonLabel derives a human label from an opaque button id.
func buttonLabel(id string) string {
	label := strings.NewReplacer("_", " ", "-", " ").Replace(id)
	return strings.TrimSpace(label)
}

// bindingContext is the payload posted to http bindings.
type bindingContext struct {
	ContactID  string            `json:"contact_id"`
	SessionID  string            `json:"session_id"`
	CampaignID string            `json:"campaign_id"`
	NodeKey    models.NodeKey    `json:"node_key"`
	Input      string            `json:"input,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// InvokeBinding executes an api node's external binding and returns the
// resulting message text. An empty return with nil error means the binding
// produced nothing to say.
func (r *Renderer) InvokeBinding(ctx context.Context, node *models.Node, sess *models.Session, input string) (string, error) {
	b := node.Binding
	if b == nil {
		return "", &ConfigError{CampaignID: node.CampaignID, Key: node.Key, Reason: "api node has no binding"}
	}
	switch b.Kind {
	case models.APIBindingHTTP:
		return r.invokeHTTP(ctx, b, node, sess, input)
	case models.APIBindingOpenAI:
		return r.invokeOpenAI(ctx, b, node, sess, input)
	default:
		return "", &ConfigError{CampaignID: node.CampaignID, Key: node.Key, Reason: fmt.Sprintf("unknown binding kind %q", b.Kind)}
	}
}

func (r *Renderer) invokeHTTP(ctx context.Context, b *models.APIBinding, node *models.Node, sess *models.Session, input string) (string, error) {
	payload := bindingContext{
		ContactID:  sess.ContactID,
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		NodeKey:    node.Key,
		Input:      input,
		Data:       sess.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("Renderer.invokeHTTP: marshaling context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("Renderer.invokeHTTP: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Renderer.invokeHTTP: calling %s: %w", b.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("Renderer.invokeHTTP: %s returned status %d", b.URL, resp.StatusCode)
	}
	text, err := io.ReadAll(io.LimitReader(resp.Body, maxBindingRespSize))
	if err != nil {
		return "", fmt.Errorf("Renderer.invokeHTTP: reading response: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func (r *Renderer) invokeOpenAI(ctx context.Context, b *models.APIBinding, node *models.Node, sess *models.Session, input string) (string, error) {
	if r.gen == nil {
		return "", fmt.Errorf("Renderer.invokeOpenAI: no text generator configured")
	}
	user := r.substitute(b.UserPrompt, sess)
	if input != "" {
		user = strings.ReplaceAll(user, "{{input}}", input)
	}
	text, err := r.gen.GeneratePromptResponse(ctx, b.SystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("Renderer.invokeOpenAI: node %s: %w", node.Key, err)
	}
	return strings.TrimSpace(text), nil
}
