package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mudler/LocalDesk/core/autoreply"
	"github.com/mudler/LocalDesk/core/conversations"
	. "github.com/mudler/LocalDesk/core/dispatch"
	"github.com/mudler/LocalDesk/core/notify"
	"github.com/mudler/LocalDesk/core/presence"
	"github.com/mudler/LocalDesk/core/provider"
	"github.com/mudler/LocalDesk/core/session"
	"github.com/mudler/LocalDesk/core/sse"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/LocalDesk/db"
	"github.com/mudler/LocalDesk/pkg/llm"
	"github.com/sashabaranov/go-openai"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// collect drains a listener's channel into an accumulating snapshot,
// suitable for Eventually and Consistently polling.
func collect(cl sse.Listener) func() []*sse.Message {
	var mu sync.Mutex
	var msgs []*sse.Message
	return func() []*sse.Message {
		mu.Lock()
		defer mu.Unlock()
		for {
			select {
			case env := <-cl.Chan():
				if m, ok := env.(*sse.Message); ok {
					msgs = append(msgs, m)
				}
			default:
				out := make([]*sse.Message, len(msgs))
				copy(out, msgs)
				return out
			}
		}
	}
}

func byEvent(msgs []*sse.Message, event string) []*sse.Message {
	var out []*sse.Message
	for _, m := range msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func payloadOf(m *sse.Message) map[string]any {
	out := map[string]any{}
	Expect(json.Unmarshal([]byte(m.Data), &out)).To(Succeed())
	return out
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx           context.Context
		dispatcher    *Dispatcher
		sessions      *session.StateStore
		hub           *sse.Hub
		messages      *db.InMemoryMessageStore
		notifications *db.InMemoryNotificationStore
		rules         *db.InMemoryRuleStore
		matcher       *autoreply.Matcher
		mock          *llm.MockClient
		aiCalls       func() int

		room  func() []*sse.Message
		admin func() []*sse.Message
	)

	answer := func(text string) {
		mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{
					{Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: text,
					}},
				},
			}, nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		messages = db.NewInMemoryMessageStore()
		notifications = db.NewInMemoryNotificationStore()
		rules = db.NewInMemoryRuleStore()
		configs := db.NewInMemoryProviderConfigStore(&types.ProviderConfig{
			ID:           "cfg1",
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			IsActive:     true,
			HealthStatus: types.HealthOK,
			UpdatedAt:    time.Now(),
		})

		var callMu sync.Mutex
		calls := 0
		mock = &llm.MockClient{}
		aiCalls = func() int {
			callMu.Lock()
			defer callMu.Unlock()
			return calls
		}
		counting := &llm.MockClient{
			CreateChatCompletionFunc: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				callMu.Lock()
				calls++
				callMu.Unlock()
				return mock.CreateChatCompletion(ctx, req)
			},
		}
		answer(`{"reply": "Happy to help!", "suggestions": ["Pricing", "Docs"], "confidence": 0.9}`)

		hub = sse.NewHub(10)
		notifier := notify.New(notifications, nil)
		registry := provider.NewRegistry(configs, "30s", provider.WithClientFactory(func(cfg *types.ProviderConfig) llm.LLMClient {
			return counting
		}))
		router := provider.NewRouter(registry, notifier)
		sessions = session.NewStateStore(db.NewInMemorySessionStore(), notifier,
			session.WithPersistRetries(0, time.Millisecond))
		history := conversations.NewHistory(10, time.Minute)
		matcher = autoreply.NewMatcher(rules)
		Expect(matcher.Reload(ctx)).To(Succeed())
		tracker := presence.NewTracker(30 * time.Second)

		dispatcher = New(sessions, history, matcher, router, tracker, hub, messages,
			WithPersistRetries(0, time.Millisecond),
			WithDedupWindow(200*time.Millisecond))

		roomClient := sse.NewClient("visitor")
		hub.Room("s1").Subscribe(roomClient)
		room = collect(roomClient)

		adminClient := sse.NewClient("agent-feed")
		hub.Admin().Subscribe(adminClient)
		admin = collect(adminClient)
	})

	Context("visitor messages", func() {
		It("broadcasts the message and an AI reply", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:      types.EventUserMessage,
				SessionID: "s1",
				Text:      "hi, I need help",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutBotMessage)
			}).Should(HaveLen(1))

			all := room()
			Expect(byEvent(all, types.OutSessionStarted)).To(HaveLen(1))
			Expect(byEvent(all, types.OutUserMessage)).To(HaveLen(1))

			bot := payloadOf(byEvent(all, types.OutBotMessage)[0])
			Expect(bot["text"]).To(Equal("Happy to help!"))
			Expect(bot["type"]).To(Equal("ai"))
			Expect(bot["suggestions"]).To(HaveLen(2))
			Expect(bot["confidence"]).To(BeNumerically(">", 0))
			Expect(bot["confidence"]).To(BeNumerically("<=", 1))

			Eventually(func() []types.Message {
				return messages.Messages()
			}).Should(HaveLen(2))
		})

		It("answers from the auto-reply rules without touching the AI", func() {
			rules.SetRules([]types.AutoReplyRule{
				{Trigger: "pricing", MatchType: types.MatchKeyword, Content: "Plans start at $10/month."},
			})
			Expect(matcher.Reload(ctx)).To(Succeed())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:      types.EventUserMessage,
				SessionID: "s1",
				Text:      "what is your pricing?",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutBotMessage)
			}).Should(HaveLen(1))

			bot := payloadOf(byEvent(room(), types.OutBotMessage)[0])
			Expect(bot["type"]).To(Equal("canned"))
			Expect(bot["text"]).To(Equal("Plans start at $10/month."))
			Expect(aiCalls()).To(BeZero())
		})

		It("delivers exactly one message for a duplicate burst", func() {
			for i := 0; i < 3; i++ {
				Expect(dispatcher.Dispatch(types.InboundEvent{
					Kind:      types.EventUserMessage,
					SessionID: "s1",
					Text:      "did you get this?",
				})).To(Succeed())
			}

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutUserMessage)
			}).Should(HaveLen(1))
			Consistently(func() []*sse.Message {
				return byEvent(room(), types.OutUserMessage)
			}, 300*time.Millisecond).Should(HaveLen(1))
			Expect(aiCalls()).To(Equal(1))
		})

		It("accepts the same text again after the window elapses", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventUserMessage, SessionID: "s1", Text: "hello again",
			})).To(Succeed())

			time.Sleep(250 * time.Millisecond)

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventUserMessage, SessionID: "s1", Text: "hello again",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutUserMessage)
			}).Should(HaveLen(2))
		})

		It("rejects an empty message synchronously", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventUserMessage, SessionID: "s1",
			})).ToNot(Succeed())
		})
	})

	Context("AI failure", func() {
		BeforeEach(func() {
			mock.CreateChatCompletionFunc = func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
			}
		})

		It("sends a single fallback message carrying the failure sentinel", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:      types.EventUserMessage,
				SessionID: "s1",
				Text:      "anyone there?",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutBotMessage)
			}).Should(HaveLen(1))
			Consistently(func() []*sse.Message {
				return byEvent(room(), types.OutBotMessage)
			}, 300*time.Millisecond).Should(HaveLen(1))

			bot := payloadOf(byEvent(room(), types.OutBotMessage)[0])
			Expect(bot["type"]).To(Equal("fallback"))
			Expect(bot["confidence"]).To(BeNumerically("==", 0))
			Expect(bot["text"]).ToNot(BeEmpty())
		})

		It("flags the session for the offline contact path", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:      types.EventUserMessage,
				SessionID: "s1",
				Text:      "anyone there?",
			})).To(Succeed())

			Eventually(func() string {
				sess, err := sessions.Get(ctx, "s1")
				if err != nil {
					return ""
				}
				return sess.Metadata["offlineFallback"]
			}).Should(Equal("eligible"))
		})

		It("raises a critical admin notification", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:      types.EventUserMessage,
				SessionID: "s1",
				Text:      "anyone there?",
			})).To(Succeed())

			Eventually(func() []types.Notification {
				return notifications.Notifications()
			}).ShouldNot(BeEmpty())
			Expect(notifications.Notifications()[0].Type).To(Equal(types.NotificationProviderCritical))
		})
	})

	Context("agent takeover", func() {
		startSession := func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventStartSession, SessionID: "s1",
			})).To(Succeed())
			Eventually(func() error {
				_, err := sessions.Get(ctx, "s1")
				return err
			}).Should(Succeed())
		}

		It("announces the agent in the room", func() {
			startSession()

			_, err := dispatcher.AssignAgent(ctx, "s1", "agentA")
			Expect(err).ToNot(HaveOccurred())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutAgentJoined)
			}).Should(HaveLen(1))
			Expect(payloadOf(byEvent(room(), types.OutAgentJoined)[0])["agentId"]).To(Equal("agentA"))
		})

		It("forwards visitor messages without consulting the AI while an agent owns the session", func() {
			startSession()
			_, err := dispatcher.AssignAgent(ctx, "s1", "agentA")
			Expect(err).ToNot(HaveOccurred())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventUserMessage, SessionID: "s1", Text: "thanks, waiting",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutUserMessage)
			}).Should(HaveLen(1))
			Consistently(func() []*sse.Message {
				return byEvent(room(), types.OutBotMessage)
			}, 300*time.Millisecond).Should(BeEmpty())
			Expect(aiCalls()).To(BeZero())
		})

		It("rejects agent messages into sessions no agent owns", func() {
			startSession()

			err := dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventAgentMessage, SessionID: "s1", Text: "hello from support",
			})
			Expect(err).To(MatchError(types.ErrNotAgentOwned))
		})

		It("broadcasts public agent messages to the room", func() {
			startSession()
			_, err := dispatcher.AssignAgent(ctx, "s1", "agentA")
			Expect(err).ToNot(HaveOccurred())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventAgentMessage, SessionID: "s1", Text: "hello from support", Who: "agentA",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutAgentMessage)
			}).Should(HaveLen(1))
		})

		It("keeps internal notes off the visitor feed", func() {
			startSession()
			_, err := dispatcher.AssignAgent(ctx, "s1", "agentA")
			Expect(err).ToNot(HaveOccurred())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind:       types.EventAgentMessage,
				SessionID:  "s1",
				Text:       "visitor sounds frustrated",
				Who:        "agentA",
				Visibility: types.VisibilityInternal,
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(admin(), types.OutAgentMessage)
			}).Should(HaveLen(1))
			Consistently(func() []*sse.Message {
				return byEvent(room(), types.OutAgentMessage)
			}, 300*time.Millisecond).Should(BeEmpty())

			Eventually(func() []types.Message {
				return messages.Messages()
			}).Should(HaveLen(1))
			Expect(messages.Messages()[0].Visibility).To(Equal(types.VisibilityInternal))
		})
	})

	Context("presence", func() {
		It("relays typing state to the room", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventTypingStart, SessionID: "s1", Who: "visitor",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutDisplayTyping)
			}).Should(HaveLen(1))

			typing := payloadOf(byEvent(room(), types.OutDisplayTyping)[0])
			Expect(typing["who"]).To(Equal("visitor"))
			Expect(typing["typing"]).To(Equal(true))
		})
	})

	Context("escalation", func() {
		It("moves the session to needs_human and notifies the agents", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventStartSession, SessionID: "s1",
			})).To(Succeed())
			Eventually(func() error {
				_, err := sessions.Get(ctx, "s1")
				return err
			}).Should(Succeed())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventRequestAgent, SessionID: "s1",
			})).To(Succeed())

			Eventually(func() types.SessionStatus {
				sess, err := sessions.Get(ctx, "s1")
				if err != nil {
					return ""
				}
				return sess.Status
			}).Should(Equal(types.SessionStatusNeedsHuman))

			Eventually(func() []types.Notification {
				return notifications.Notifications()
			}).Should(HaveLen(1))
			Expect(notifications.Notifications()[0].Type).To(Equal(types.NotificationAgentRequested))
		})
	})

	Context("session end", func() {
		It("closes the session, announces it and rejects everything after", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventStartSession, SessionID: "s1",
			})).To(Succeed())
			Eventually(func() error {
				_, err := sessions.Get(ctx, "s1")
				return err
			}).Should(Succeed())

			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventEndSession, SessionID: "s1",
			})).To(Succeed())

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutConversationClosed)
			}).Should(HaveLen(1))
			Eventually(func() []*sse.Message {
				return byEvent(admin(), types.OutConversationClosed)
			}).Should(HaveLen(1))

			Eventually(func() error {
				return dispatcher.Dispatch(types.InboundEvent{
					Kind: types.EventUserMessage, SessionID: "s1", Text: "one more thing",
				})
			}).Should(MatchError(types.ErrSessionClosed))
		})
	})

	Context("idle sweep", func() {
		It("auto-closes idle sessions and tears down their rooms", func() {
			Expect(dispatcher.Dispatch(types.InboundEvent{
				Kind: types.EventStartSession, SessionID: "s1",
			})).To(Succeed())
			Eventually(func() error {
				_, err := sessions.Get(ctx, "s1")
				return err
			}).Should(Succeed())

			time.Sleep(10 * time.Millisecond)
			Expect(dispatcher.CloseIdleSessions(ctx, 5*time.Millisecond)).To(Equal(1))

			sess, err := sessions.Get(ctx, "s1")
			Expect(err).ToNot(HaveOccurred())
			Expect(sess.Status).To(Equal(types.SessionStatusClosed))
			Expect(sess.Resolution).To(Equal("auto_closed_idle"))

			Eventually(func() []*sse.Message {
				return byEvent(room(), types.OutConversationClosed)
			}).Should(HaveLen(1))
		})
	})
})
