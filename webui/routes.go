package webui

import (
	"crypto/subtle"
	"errors"
	"math/rand"

	"github.com/dave-gray101/v2keyauth"
	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/mudler/LocalDesk/core/sse"
)

func (app *App) registerRoutes(webapp *fiber.App) {

	// Visitor-facing surface, no auth: the widget talks to these.
	webapp.Post("/api/session/start", app.StartSession())
	webapp.Post("/api/chat/:session", app.UserMessage())
	webapp.Post("/api/typing/:session", app.Typing())
	webapp.Post("/api/request-agent/:session", app.RequestAgent())
	webapp.Post("/api/session/:session/end", app.EndSession())

	webapp.Get("/sse/:session", func(c *fiber.Ctx) error {
		sessionID := c.Params("session")
		if sessionID == sse.AdminRoom {
			return c.SendStatus(fiber.StatusNotFound)
		}
		app.config.Presence.MarkOnline(sessionID)
		app.config.Hub.Room(sessionID).Handle(c, sse.NewClient(randStringRunes(10)))
		return nil
	})

	// Agent/admin surface behind API keys.
	agentAuth := app.keyAuthMiddleware()

	webapp.Get("/sse/admin", agentAuth, func(c *fiber.Ctx) error {
		app.config.Hub.Admin().Handle(c, sse.NewClient(randStringRunes(10)))
		return nil
	})

	webapp.Post("/api/agent/chat/:session", agentAuth, app.AgentMessage())
	webapp.Post("/api/agent/assign/:session", agentAuth, app.AssignAgent())
	webapp.Get("/api/provider/health", agentAuth, app.ProviderHealth())
}

func (app *App) keyAuthMiddleware() fiber.Handler {
	if len(app.config.ApiKeys) == 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	kaConfig, err := GetKeyAuthConfig(app.config.ApiKeys)
	if err != nil || kaConfig == nil {
		panic(err)
	}
	return v2keyauth.New(*kaConfig)
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func randStringRunes(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

func GetKeyAuthConfig(apiKeys []string) (*v2keyauth.Config, error) {
	customLookup, err := v2keyauth.MultipleKeySourceLookup([]string{"header:Authorization", "header:x-api-key", "query:token"}, keyauth.ConfigDefault.AuthScheme)
	if err != nil {
		return nil, err
	}

	return &v2keyauth.Config{
		CustomKeyLookup: customLookup,
		Next:            func(c *fiber.Ctx) bool { return false },
		Validator:       getApiKeyValidationFunction(apiKeys),
		ErrorHandler:    getApiKeyErrorHandler(apiKeys),
		AuthScheme:      "Bearer",
	}, nil
}

func getApiKeyErrorHandler(apiKeys []string) fiber.ErrorHandler {
	return func(ctx *fiber.Ctx, err error) error {
		if errors.Is(err, v2keyauth.ErrMissingOrMalformedAPIKey) {
			if len(apiKeys) == 0 {
				return ctx.Next() // if no keys are set up, any error we get here is not an error.
			}
			ctx.Set("WWW-Authenticate", "Bearer")
			return ctx.SendStatus(fiber.StatusUnauthorized)
		}
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}
}

func getApiKeyValidationFunction(apiKeys []string) func(*fiber.Ctx, string) (bool, error) {

	return func(ctx *fiber.Ctx, apiKey string) (bool, error) {
		if len(apiKeys) == 0 {
			return true, nil // If no keys are setup, accept everything
		}
		for _, validKey := range apiKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
				return true, nil
			}
		}
		return false, v2keyauth.ErrMissingOrMalformedAPIKey
	}

}
