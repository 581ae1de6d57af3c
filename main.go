package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mudler/xlog"
	"github.com/robfig/cron/v3"

	"github.com/mudler/LocalDesk/core/autoreply"
	"github.com/mudler/LocalDesk/core/conversations"
	"github.com/mudler/LocalDesk/core/dispatch"
	"github.com/mudler/LocalDesk/core/notify"
	"github.com/mudler/LocalDesk/core/presence"
	"github.com/mudler/LocalDesk/core/provider"
	"github.com/mudler/LocalDesk/core/session"
	"github.com/mudler/LocalDesk/core/sse"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/LocalDesk/db"
	"github.com/mudler/LocalDesk/webui"
)

var providerName = os.Getenv("LOCALDESK_PROVIDER")
var baseModel = os.Getenv("LOCALDESK_MODEL")
var providerAPIKey = os.Getenv("LOCALDESK_LLM_API_KEY")
var apiURL = os.Getenv("LOCALDESK_LLM_API_URL")
var timeout = os.Getenv("LOCALDESK_TIMEOUT")
var systemPrompt = os.Getenv("LOCALDESK_SYSTEM_PROMPT")
var apiKeysEnv = os.Getenv("LOCALDESK_API_KEYS")
var listenAddr = os.Getenv("LOCALDESK_LISTEN_ADDR")
var historyWindowEnv = os.Getenv("LOCALDESK_HISTORY_WINDOW")
var conversationDuration = os.Getenv("LOCALDESK_CONVERSATION_DURATION")
var idleClose = os.Getenv("LOCALDESK_IDLE_CLOSE")
var withStreaming = os.Getenv("LOCALDESK_ENABLE_STREAMING") == "true"
var dbHost = os.Getenv("DB_HOST")

func init() {
	_ = godotenv.Load()

	if providerName == "" {
		providerName = "openai"
	}
	if timeout == "" {
		timeout = "2m"
	}
	if listenAddr == "" {
		listenAddr = ":3000"
	}
	if conversationDuration == "" {
		conversationDuration = "30m"
	}
}

func main() {
	historyWindow := 20
	if historyWindowEnv != "" {
		w, err := strconv.Atoi(historyWindowEnv)
		if err != nil {
			panic("LOCALDESK_HISTORY_WINDOW is not a number")
		}
		historyWindow = w
	}

	historyTTL, err := time.ParseDuration(conversationDuration)
	if err != nil {
		panic("LOCALDESK_CONVERSATION_DURATION is not a duration")
	}

	apiKeys := []string{}
	if apiKeysEnv != "" {
		apiKeys = strings.Split(apiKeysEnv, ",")
	}

	stores := buildStores()

	hub := sse.NewHub(20)

	notifier := notify.New(stores.Notifications, func(n *types.Notification) {
		hub.Admin().Send(sse.NewEvent(types.OutNewNotification, n))
	})

	registry := provider.NewRegistry(stores.Providers, timeout)

	routerOpts := []provider.RouterOption{}
	if systemPrompt != "" {
		routerOpts = append(routerOpts, provider.WithSystemPrompt(systemPrompt))
	}
	if withStreaming {
		routerOpts = append(routerOpts, provider.WithStreamFunc(func(sessionID, delta string) {
			hub.Room(sessionID).Send(sse.NewEvent(types.OutBotStream, map[string]any{
				"sessionId": sessionID,
				"delta":     delta,
			}))
		}))
	}
	aiRouter := provider.NewRouter(registry, notifier, routerOpts...)

	sessions := session.NewStateStore(stores.Sessions, notifier)
	history := conversations.NewHistory(historyWindow, historyTTL)
	matcher := autoreply.NewMatcher(stores.Rules)
	tracker := presence.NewTracker(30 * time.Second)

	if err := matcher.Reload(context.Background()); err != nil {
		xlog.Warn("Initial auto-reply reload failed", "error", err)
	}

	dispatcher := dispatch.New(sessions, history, matcher, aiRouter, tracker, hub, stores.Messages)

	scheduler := cron.New()
	scheduler.AddFunc("@every 1m", func() {
		if err := matcher.Reload(context.Background()); err != nil {
			xlog.Warn("Auto-reply reload failed", "error", err)
		}
	})
	if idleClose != "" {
		idleFor, err := time.ParseDuration(idleClose)
		if err != nil {
			panic("LOCALDESK_IDLE_CLOSE is not a duration")
		}
		scheduler.AddFunc("@every 5m", func() {
			dispatcher.CloseIdleSessions(context.Background(), idleFor)
		})
	}
	scheduler.Start()

	app := webui.NewApp(
		webui.WithDispatcher(dispatcher),
		webui.WithHub(hub),
		webui.WithSessions(sessions),
		webui.WithPresence(tracker),
		webui.WithRegistry(registry),
		webui.WithApiKeys(apiKeys...),
	)

	xlog.Info("LocalDesk listening", "addr", listenAddr, "provider", providerName, "model", baseModel)
	log.Fatal(app.Listen(listenAddr))
}

// buildStores connects the document store when a database is
// configured; without one, everything lives in memory, which is fine
// for a single-process development setup.
func buildStores() *db.Stores {
	if dbHost != "" {
		db.ConnectDB()
		if baseModel != "" {
			if err := db.SeedProvider(db.DB, providerName, baseModel, providerAPIKey, apiURL); err != nil {
				xlog.Warn("Provider seed failed", "error", err)
			}
		}
		return db.NewStores(db.DB)
	}

	if baseModel == "" {
		panic("LOCALDESK_MODEL not set")
	}

	return &db.Stores{
		Sessions:      db.NewInMemorySessionStore(),
		Messages:      db.NewInMemoryMessageStore(),
		Notifications: db.NewInMemoryNotificationStore(),
		Providers: db.NewInMemoryProviderConfigStore(&types.ProviderConfig{
			ID:           "env",
			Provider:     providerName,
			Model:        baseModel,
			APIKey:       providerAPIKey,
			BaseURL:      apiURL,
			IsActive:     true,
			HealthStatus: types.HealthOK,
			UpdatedAt:    time.Now(),
		}),
		Rules: db.NewInMemoryRuleStore(),
	}
}
