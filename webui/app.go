package webui

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	fiber "github.com/gofiber/fiber/v2"
	"github.com/mudler/LocalDesk/core/types"
)

type App struct {
	config *Config
	*fiber.App
}

func NewApp(opts ...Option) *App {
	config := NewConfig(opts...)

	webapp := fiber.New(fiber.Config{
		AppName: "LocalDesk",
	})

	a := &App{
		config: config,
		App:    webapp,
	}

	a.registerRoutes(webapp)

	return a
}

func errorJSONMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// dispatchError maps routing failures onto HTTP statuses.
func dispatchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, types.ErrSessionClosed):
		return errorJSONMessage(c, fiber.StatusGone, "conversation is closed")
	case errors.Is(err, types.ErrSessionNotFound):
		return errorJSONMessage(c, fiber.StatusNotFound, "conversation not found")
	case errors.Is(err, types.ErrNotAgentOwned):
		return errorJSONMessage(c, fiber.StatusConflict, "conversation has no assigned agent")
	}
	return errorJSONMessage(c, fiber.StatusBadRequest, err.Error())
}

// StartSession allocates (or revives the activity of) a conversation.
func (a *App) StartSession() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			SessionID string            `json:"sessionId"`
			Metadata  map[string]string `json:"metadata"`
		}{}
		if err := c.BodyParser(&payload); err != nil {
			return errorJSONMessage(c, fiber.StatusBadRequest, "invalid request")
		}

		sessionID := payload.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:      types.EventStartSession,
			SessionID: sessionID,
			Metadata:  payload.Metadata,
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"sessionId": sessionID})
	}
}

// UserMessage routes one visitor message into the orchestrator.
func (a *App) UserMessage() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			Message       string `json:"message"`
			AttachmentRef string `json:"attachmentRef"`
		}{}
		if err := c.BodyParser(&payload); err != nil {
			return errorJSONMessage(c, fiber.StatusBadRequest, "invalid request")
		}

		message := strings.TrimSpace(payload.Message)
		if message == "" {
			return errorJSONMessage(c, fiber.StatusBadRequest, "message cannot be empty")
		}

		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:          types.EventUserMessage,
			SessionID:     c.Params("session"),
			Text:          message,
			AttachmentRef: payload.AttachmentRef,
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"status": "accepted"})
	}
}

// AgentMessage routes one agent message into the assigned conversation.
func (a *App) AgentMessage() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			Message       string `json:"message"`
			AgentID       string `json:"agentId"`
			AttachmentRef string `json:"attachmentRef"`
			Visibility    string `json:"visibility"`
		}{}
		if err := c.BodyParser(&payload); err != nil {
			return errorJSONMessage(c, fiber.StatusBadRequest, "invalid request")
		}

		message := strings.TrimSpace(payload.Message)
		if message == "" {
			return errorJSONMessage(c, fiber.StatusBadRequest, "message cannot be empty")
		}

		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:          types.EventAgentMessage,
			SessionID:     c.Params("session"),
			Text:          message,
			AgentID:       payload.AgentID,
			AttachmentRef: payload.AttachmentRef,
			Visibility:    types.Visibility(payload.Visibility),
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"status": "accepted"})
	}
}

// AssignAgent hands the conversation to an agent and pauses AI.
func (a *App) AssignAgent() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			AgentID string `json:"agentId"`
		}{}
		if err := c.BodyParser(&payload); err != nil || payload.AgentID == "" {
			return errorJSONMessage(c, fiber.StatusBadRequest, "agentId is required")
		}

		sess, err := a.config.Dispatcher.AssignAgent(c.Context(), c.Params("session"), payload.AgentID)
		if err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(sess)
	}
}

// Typing relays typing indicators; nothing is persisted.
func (a *App) Typing() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			Who    string `json:"who"`
			Typing bool   `json:"typing"`
		}{}
		if err := c.BodyParser(&payload); err != nil {
			return errorJSONMessage(c, fiber.StatusBadRequest, "invalid request")
		}

		kind := types.EventTypingStop
		if payload.Typing {
			kind = types.EventTypingStart
		}

		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:      kind,
			SessionID: c.Params("session"),
			Who:       payload.Who,
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"status": "accepted"})
	}
}

// RequestAgent is the visitor-side escalation toward a human.
func (a *App) RequestAgent() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:      types.EventRequestAgent,
			SessionID: c.Params("session"),
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"status": "accepted"})
	}
}

// EndSession closes the conversation for good.
func (a *App) EndSession() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		payload := struct {
			Resolution string `json:"resolution"`
			Who        string `json:"who"`
		}{}
		_ = c.BodyParser(&payload)

		if err := a.config.Dispatcher.Dispatch(types.InboundEvent{
			Kind:      types.EventEndSession,
			SessionID: c.Params("session"),
			Text:      payload.Resolution,
			Who:       payload.Who,
		}); err != nil {
			return dispatchError(c, err)
		}

		return c.JSON(fiber.Map{"status": "closing"})
	}
}

// ProviderHealth exposes the registry snapshot for the admin UI.
func (a *App) ProviderHealth() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		snapshot := a.config.Registry.Snapshot()
		if snapshot == nil {
			return c.JSON(fiber.Map{"provider": nil})
		}
		return c.JSON(fiber.Map{
			"provider":       snapshot.Provider,
			"model":          snapshot.Model,
			"healthStatus":   snapshot.HealthStatus,
			"onlineVisitors": a.config.Presence.OnlineCount(),
		})
	}
}
