package server

import (
	"net"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// isLocalOrigin reports whether a browser Origin names this machine.
func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// localOnly refuses state-changing requests and websocket upgrades sent by
// pages served from other origins. Requests without an Origin header come
// from non-browser clients and pass.
func (s *Server) localOnly(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		if !strings.HasPrefix(c.Path(), "/ws") {
			return c.Next()
		}
	}

	origin := c.Get(fiber.HeaderOrigin)
	if origin == "" || isLocalOrigin(origin) {
		return c.Next()
	}

	s.log.Warn().Str("origin", origin).Str("method", c.Method()).Str("path", c.Path()).Msg("Refused cross-origin request")
	return fiber.NewError(fiber.StatusForbidden, "cross-origin requests are not allowed")
}
