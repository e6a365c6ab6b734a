package auth

import (
	"github.com/gofiber/fiber/v2"
)

type AuthType string

const (
	AuthTypeClerk   AuthType = "clerk"
	AuthTypeService AuthType = "service"
)

type AuthContext struct {
	Type     AuthType
	Identity *Identity
	Admin    bool
}

func (a *AuthContext) GetUserID() (string, bool) {
	if a.Identity == nil {
		return "", false
	}
	return a.Identity.UserID, a.Identity.UserID != ""
}

func (a *AuthContext) IsService() bool {
	return a.Type == AuthTypeService
}

func GetAuthContext(c *fiber.Ctx) *AuthContext {
	authCtx, ok := c.Locals("auth_context").(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

func GetUserID(c *fiber.Ctx) (string, bool) {
	authCtx := GetAuthContext(c)
	if authCtx == nil {
		return "", false
	}
	return authCtx.GetUserID()
}

func IsAdmin(c *fiber.Ctx) bool {
	authCtx := GetAuthContext(c)
	return authCtx != nil && authCtx.Admin
}
