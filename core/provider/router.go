package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mudler/LocalDesk/core/notify"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/LocalDesk/pkg/llm"
	"github.com/mudler/LocalDesk/pkg/xstrings"
	"github.com/mudler/xlog"
	"github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = `You are a friendly and concise customer support assistant. Answer using only the conversation so far. If you are not sure, say so and suggest talking to a human agent.`

const outputContract = `Respond with a JSON object only, no other text: {"reply": "<your answer>", "suggestions": ["<short follow-up>", "<short follow-up>"], "confidence": <0.0-1.0>}. Include exactly two short follow-up suggestions the visitor might ask next.`

// Confidence attached when the provider violated the output contract
// and the raw text was used as-is. Zero is reserved for failures.
const fallbackConfidence = 0.5

const maxSuggestions = 2

// Reply is the provider-agnostic structured answer.
type Reply struct {
	Text        string   `json:"text"`
	Suggestions []string `json:"suggestions"`
	Confidence  float64  `json:"confidence"`
}

// FetchFunc downloads an attachment and returns its bytes and mime type.
type FetchFunc func(ctx context.Context, ref string) ([]byte, string, error)

// StreamFunc receives raw partial deltas while a reply is being generated.
type StreamFunc func(sessionID, delta string)

// Router calls the one active provider, enforces the structured output
// contract and classifies failures. It never decides the user-facing
// fallback: errors are re-raised so the message router's failure path
// runs.
type Router struct {
	registry     *Registry
	notifier     *notify.Notifier
	systemPrompt string
	fetch        FetchFunc
	stream       StreamFunc
}

type RouterOption func(*Router)

func WithSystemPrompt(prompt string) RouterOption {
	return func(r *Router) {
		r.systemPrompt = prompt
	}
}

func WithAttachmentFetcher(f FetchFunc) RouterOption {
	return func(r *Router) {
		r.fetch = f
	}
}

// WithStreamFunc enables forwarding of partial deltas before the final
// reply, when the underlying client supports streaming.
func WithStreamFunc(f StreamFunc) RouterOption {
	return func(r *Router) {
		r.stream = f
	}
}

func NewRouter(registry *Registry, notifier *notify.Notifier, opts ...RouterOption) *Router {
	r := &Router{
		registry:     registry,
		notifier:     notifier,
		systemPrompt: defaultSystemPrompt,
		fetch:        fetchHTTP,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Generate builds a request from the conversation window and asks the
// active provider for a structured reply.
func (r *Router) Generate(ctx context.Context, sessionID string, history []openai.ChatCompletionMessage, attachmentRef string) (*Reply, error) {
	cfg, client, err := r.registry.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving active provider: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: r.systemPrompt + "\n\n" + outputContract,
	})
	messages = append(messages, history...)

	hasAttachment := false
	if attachmentRef != "" {
		hasAttachment = r.inlineAttachment(ctx, messages, attachmentRef)
	}

	req := openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
	}
	if !hasAttachment {
		// Vision requests on OpenAI-compatible endpoints do not always
		// accept a response format, the contract prompt has to carry it.
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	raw, err := r.complete(ctx, client, sessionID, req)
	if err != nil {
		perr := types.ClassifyProviderError(cfg.Provider, err)
		r.registry.ReportHealth(ctx, cfg, perr.HealthStatus())
		r.raiseHealthNotification(ctx, cfg, perr)
		return nil, perr
	}

	if cfg.HealthStatus != types.HealthOK {
		r.registry.ReportHealth(ctx, cfg, types.HealthOK)
	}

	return parseReply(raw), nil
}

func (r *Router) complete(ctx context.Context, client llm.LLMClient, sessionID string, req openai.ChatCompletionRequest) (string, error) {
	if r.stream != nil {
		if sc, ok := client.(llm.StreamingClient); ok {
			return r.completeStreaming(ctx, sc, sessionID, req)
		}
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *Router) completeStreaming(ctx context.Context, client llm.StreamingClient, sessionID string, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	sb := strings.Builder{}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		r.stream(sessionID, delta)
	}
	if sb.Len() == 0 {
		return "", errors.New("provider streamed no content")
	}
	return sb.String(), nil
}

// inlineAttachment fetches the attachment and grafts it as an inline
// image part onto the latest user message. A failed fetch degrades to
// the text-only path rather than failing the whole turn.
func (r *Router) inlineAttachment(ctx context.Context, messages []openai.ChatCompletionMessage, ref string) bool {
	data, mimeType, err := r.fetch(ctx, ref)
	if err != nil {
		xlog.Warn("Attachment fetch failed, continuing text-only", "ref", ref, "error", err)
		return false
	}

	last := len(messages) - 1
	if last < 0 || messages[last].Role != openai.ChatMessageRoleUser {
		return false
	}

	imgBase64 := base64.StdEncoding.EncodeToString(data)
	messages[last] = openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: messages[last].Content,
			},
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mimeType, imgBase64)},
			},
		},
	}
	return true
}

func (r *Router) raiseHealthNotification(ctx context.Context, cfg *types.ProviderConfig, perr *types.ProviderError) {
	if r.notifier == nil {
		return
	}

	notificationType := types.NotificationProviderWarning
	if perr.Critical() {
		notificationType = types.NotificationProviderCritical
	}
	r.notifier.Notify(ctx, &types.Notification{
		Type:    notificationType,
		Content: fmt.Sprintf("AI provider %s reported %s: %v", cfg.Provider, perr.Kind, perr.Err),
	})
}

// parseReply decodes the structured output contract. A malformed
// payload never fails the call: the raw output becomes the reply text
// with no suggestions.
func parseReply(raw string) *Reply {
	wire := struct {
		Reply       string   `json:"reply"`
		Suggestions []string `json:"suggestions"`
		Confidence  float64  `json:"confidence"`
	}{}

	if err := json.Unmarshal([]byte(raw), &wire); err != nil || wire.Reply == "" {
		xlog.Debug("Provider output violated the structure contract, using raw text")
		return &Reply{Text: raw, Suggestions: []string{}, Confidence: fallbackConfidence}
	}

	suggestions := xstrings.UniqueSlice(wire.Suggestions)
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	if suggestions == nil {
		suggestions = []string{}
	}

	confidence := wire.Confidence
	if confidence <= 0 || confidence > 1 {
		// Zero is the failure sentinel, never let a parsed reply carry it.
		confidence = fallbackConfidence
	}

	return &Reply{Text: wire.Reply, Suggestions: suggestions, Confidence: confidence}
}

func fetchHTTP(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", types.ErrAttachmentFetch, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", types.ErrAttachmentFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", types.ErrAttachmentFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", types.ErrAttachmentFetch, err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}
