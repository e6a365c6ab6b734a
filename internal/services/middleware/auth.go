package middleware

import (
	"strings"

	"github.com/storyreel/billing-api/internal/services/auth"
	"github.com/storyreel/billing-api/internal/services/ratelimit"
	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware resolves the caller identity from bearer tokens. Providers
// are tried in order; the first one that accepts the token wins.
type AuthMiddleware struct {
	providers   []auth.AuthProvider
	rateLimiter *ratelimit.RateLimiter
	config      *AuthMiddlewareConfig
}

type AuthMiddlewareConfig struct {
	Enabled      bool
	HeaderNames  []string
	SkipPaths    []string
	AdminUserIDs []string

	// RateLimitRPM caps authenticated requests per user per minute.
	// Zero disables limiting.
	RateLimitRPM int
}

func DefaultAuthMiddlewareConfig() *AuthMiddlewareConfig {
	return &AuthMiddlewareConfig{
		Enabled:     true,
		HeaderNames: []string{"Authorization"},
		SkipPaths: []string{
			"/health",
			"/webhooks",
		},
	}
}

func NewAuthMiddleware(providers []auth.AuthProvider, rateLimiter *ratelimit.RateLimiter, config *AuthMiddlewareConfig) *AuthMiddleware {
	if config == nil {
		config = DefaultAuthMiddlewareConfig()
	}
	if len(config.HeaderNames) == 0 {
		config.HeaderNames = []string{"Authorization"}
	}
	return &AuthMiddleware{
		providers:   providers,
		rateLimiter: rateLimiter,
		config:      config,
	}
}

func (m *AuthMiddleware) RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.config.Enabled {
			return c.Next()
		}

		if m.shouldSkipPath(c.Path()) {
			return c.Next()
		}

		token := m.extractToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		authCtx := m.validateToken(c, token)
		if authCtx == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if m.rateLimiter != nil && m.config.RateLimitRPM > 0 {
			userID, _ := authCtx.GetUserID()
			allowed, err := m.rateLimiter.CheckRateLimit(c.Context(), userID, m.config.RateLimitRPM)
			if err == nil && !allowed {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Rate limit exceeded",
				})
			}
		}

		c.Locals("auth_context", authCtx)
		c.Locals("auth_type", string(authCtx.Type))

		return c.Next()
	}
}

// RequireAdmin gates ledger adjustment endpoints. It assumes RequireAuth
// already ran.
func (m *AuthMiddleware) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !auth.IsAdmin(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "This operation requires administrator access",
			})
		}
		return c.Next()
	}
}

func (m *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	for _, headerName := range m.config.HeaderNames {
		if header := c.Get(headerName); header != "" {
			if after, ok := strings.CutPrefix(header, "Bearer "); ok {
				return after
			}
			return strings.TrimSpace(header)
		}
	}

	return ""
}

func (m *AuthMiddleware) validateToken(c *fiber.Ctx, token string) *auth.AuthContext {
	for _, provider := range m.providers {
		identity, err := provider.ValidateToken(c.Context(), token)
		if err != nil || identity == nil {
			continue
		}

		authType := auth.AuthTypeClerk
		if _, ok := provider.(*auth.ServiceTokenProvider); ok {
			authType = auth.AuthTypeService
		}

		return &auth.AuthContext{
			Type:     authType,
			Identity: identity,
			Admin:    m.isAdmin(identity.UserID),
		}
	}

	return nil
}

func (m *AuthMiddleware) isAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.config.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *AuthMiddleware) shouldSkipPath(path string) bool {
	for _, skipPath := range m.config.SkipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
