package server

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"

	"streamvault/internal/config"
)

// authMiddleware protects the API and the recordings tree with HTTP basic
// auth. A bcrypt hash takes precedence over a plain password.
func authMiddleware(auth config.AuthConfig) fiber.Handler {
	return basicauth.New(basicauth.Config{
		Realm: "streamvault",
		Authorizer: func(user, pass string) bool {
			if subtle.ConstantTimeCompare([]byte(user), []byte(auth.User)) != 1 {
				return false
			}
			if auth.PasswordHash != "" {
				return bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(pass)) == nil
			}
			return auth.Password != "" && subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) == 1
		},
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="streamvault"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "unauthorized",
				"message": "Authentication required",
			})
		},
	})
}
