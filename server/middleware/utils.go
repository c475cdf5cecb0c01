package middlewares

import (
	"net/http"

	"github.com/boardsaver/boardsaver/server/config"
)

func ApplyAuthenticationByConfig(next http.Handler) http.Handler {
	handler := next

	if config.Instance().Authentication.RequireAuth {
		handler = Authenticated(handler)
	}

	return handler
}
