package provider_test

import (
	"context"
	"errors"
	"time"

	"github.com/mudler/LocalDesk/core/notify"
	. "github.com/mudler/LocalDesk/core/provider"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/LocalDesk/db"
	"github.com/mudler/LocalDesk/pkg/llm"
	"github.com/sashabaranov/go-openai"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

var _ = Describe("Router", func() {
	var (
		ctx           context.Context
		configs       *db.InMemoryProviderConfigStore
		notifications *db.InMemoryNotificationStore
		mock          *llm.MockClient
		registry      *Registry
		router        *Router
		history       []openai.ChatCompletionMessage
	)

	BeforeEach(func() {
		ctx = context.Background()
		configs = db.NewInMemoryProviderConfigStore(&types.ProviderConfig{
			ID:           "cfg1",
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			IsActive:     true,
			HealthStatus: types.HealthOK,
			UpdatedAt:    time.Now(),
		})
		notifications = db.NewInMemoryNotificationStore()
		mock = &llm.MockClient{}
		registry = NewRegistry(configs, "30s", WithClientFactory(func(cfg *types.ProviderConfig) llm.LLMClient {
			return mock
		}))
		router = NewRouter(registry, notify.New(notifications, nil))
		history = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "where is my order?"},
		}
	})

	Context("structured output", func() {
		It("decodes a contract-conforming reply", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return textResponse(`{"reply": "It ships tomorrow.", "suggestions": ["Track my order", "Change address"], "confidence": 0.9}`), nil
			}

			reply, err := router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Text).To(Equal("It ships tomorrow."))
			Expect(reply.Suggestions).To(Equal([]string{"Track my order", "Change address"}))
			Expect(reply.Confidence).To(BeNumerically("==", 0.9))
		})

		It("falls back to the raw text when the contract is violated", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return textResponse("Sure! It ships tomorrow."), nil
			}

			reply, err := router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Text).To(Equal("Sure! It ships tomorrow."))
			Expect(reply.Suggestions).To(BeEmpty())
			Expect(reply.Confidence).To(BeNumerically(">", 0))
			Expect(reply.Confidence).To(BeNumerically("<=", 1))
		})

		It("dedupes and caps suggestions at two", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return textResponse(`{"reply": "ok", "suggestions": ["a", "a", "b", "c"], "confidence": 0.8}`), nil
			}

			reply, err := router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Suggestions).To(Equal([]string{"a", "b"}))
		})

		It("never returns a zero confidence on success", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return textResponse(`{"reply": "ok", "suggestions": [], "confidence": 0}`), nil
			}

			reply, err := router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Confidence).To(BeNumerically(">", 0))
		})

		It("prepends the system prompt and requests a JSON response", func() {
			var seen openai.ChatCompletionRequest
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				seen = req
				return textResponse(`{"reply": "ok", "suggestions": [], "confidence": 0.5}`), nil
			}

			_, err := router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(seen.Model).To(Equal("gpt-4o-mini"))
			Expect(seen.Messages[0].Role).To(Equal(openai.ChatMessageRoleSystem))
			Expect(seen.Messages).To(HaveLen(2))
			Expect(seen.ResponseFormat).ToNot(BeNil())
		})
	})

	Context("failure classification", func() {
		It("marks an auth failure critical and alerts the admins", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
			}

			_, err := router.Generate(ctx, "s1", history, "")
			Expect(err).To(HaveOccurred())

			var perr *types.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Kind).To(Equal(types.ProviderErrorAuth))
			Expect(perr.Critical()).To(BeTrue())

			cfg, getErr := configs.GetActive(ctx)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(cfg.HealthStatus).To(Equal(types.HealthError))

			Expect(notifications.Notifications()).To(HaveLen(1))
			Expect(notifications.Notifications()[0].Type).To(Equal(types.NotificationProviderCritical))
		})

		It("treats a rate limit as a warning", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
			}

			_, err := router.Generate(ctx, "s1", history, "")
			Expect(err).To(HaveOccurred())

			var perr *types.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Kind).To(Equal(types.ProviderErrorRateLimit))
			Expect(perr.Critical()).To(BeFalse())

			cfg, getErr := configs.GetActive(ctx)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(cfg.HealthStatus).To(Equal(types.HealthWarning))

			Expect(notifications.Notifications()).To(HaveLen(1))
			Expect(notifications.Notifications()[0].Type).To(Equal(types.NotificationProviderWarning))
		})

		It("classifies anything unrecognized as transport", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, errors.New("connection reset")
			}

			_, err := router.Generate(ctx, "s1", history, "")
			Expect(err).To(HaveOccurred())

			var perr *types.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Kind).To(Equal(types.ProviderErrorTransport))
		})

		It("restores health on the first success after a failure", func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
			}
			_, err := router.Generate(ctx, "s1", history, "")
			Expect(err).To(HaveOccurred())

			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return textResponse(`{"reply": "ok", "suggestions": [], "confidence": 0.7}`), nil
			}
			_, err = router.Generate(ctx, "s1", history, "")
			Expect(err).ToNot(HaveOccurred())

			cfg, getErr := configs.GetActive(ctx)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(cfg.HealthStatus).To(Equal(types.HealthOK))
		})
	})

	Context("attachments", func() {
		It("inlines a fetched image onto the latest user message", func() {
			r := NewRouter(registry, nil, WithAttachmentFetcher(func(ctx context.Context, ref string) ([]byte, string, error) {
				return []byte{0x89, 0x50}, "image/png", nil
			}))

			var seen openai.ChatCompletionRequest
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				seen = req
				return textResponse(`{"reply": "nice screenshot", "suggestions": [], "confidence": 0.6}`), nil
			}

			_, err := r.Generate(ctx, "s1", history, "https://example.com/shot.png")
			Expect(err).ToNot(HaveOccurred())

			last := seen.Messages[len(seen.Messages)-1]
			Expect(last.MultiContent).To(HaveLen(2))
			Expect(last.MultiContent[1].ImageURL.URL).To(HavePrefix("data:image/png;base64,"))
		})

		It("degrades to text-only when the fetch fails", func() {
			r := NewRouter(registry, nil, WithAttachmentFetcher(func(ctx context.Context, ref string) ([]byte, string, error) {
				return nil, "", types.ErrAttachmentFetch
			}))

			var seen openai.ChatCompletionRequest
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				seen = req
				return textResponse(`{"reply": "ok", "suggestions": [], "confidence": 0.6}`), nil
			}

			reply, err := r.Generate(ctx, "s1", history, "https://example.com/broken.png")
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Text).To(Equal("ok"))

			last := seen.Messages[len(seen.Messages)-1]
			Expect(last.MultiContent).To(BeEmpty())
			Expect(seen.ResponseFormat).ToNot(BeNil())
		})
	})
})

var _ = Describe("Registry", func() {
	It("reuses the client until the configuration changes", func() {
		cfg := &types.ProviderConfig{ID: "cfg1", Provider: "openai", Model: "m", IsActive: true, UpdatedAt: time.Now()}
		configs := db.NewInMemoryProviderConfigStore(cfg)

		builds := 0
		registry := NewRegistry(configs, "30s", WithClientFactory(func(cfg *types.ProviderConfig) llm.LLMClient {
			builds++
			return &llm.MockClient{}
		}))

		_, _, err := registry.Resolve(context.Background())
		Expect(err).ToNot(HaveOccurred())
		_, _, err = registry.Resolve(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(builds).To(Equal(1))

		updated := *cfg
		updated.UpdatedAt = cfg.UpdatedAt.Add(time.Second)
		configs.SetActive(&updated)

		_, _, err = registry.Resolve(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(builds).To(Equal(2))
	})

	It("maps the known providers onto their OpenAI-compatible endpoints", func() {
		Expect(BaseURLFor(&types.ProviderConfig{Provider: "openai"})).To(Equal("https://api.openai.com/v1"))
		Expect(BaseURLFor(&types.ProviderConfig{Provider: "gemini"})).To(Equal("https://generativelanguage.googleapis.com/v1beta/openai"))
		Expect(BaseURLFor(&types.ProviderConfig{Provider: "anthropic"})).To(Equal("https://api.anthropic.com/v1"))
		Expect(BaseURLFor(&types.ProviderConfig{Provider: "custom", BaseURL: "http://localai:8080/v1"})).To(Equal("http://localai:8080/v1"))
	})
})
