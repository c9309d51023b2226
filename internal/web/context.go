package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/session"
)

type contextKey string

const sessionKey contextKey = "session"

// WithRequestMetadata adds the client IP and User-Agent to ctx for audit
// entries. RemoteAddr has already been resolved by TrustedRealIP.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	ctx = core.ContextWithIPAddress(ctx, ip)
	ctx = core.ContextWithUserAgent(ctx, r.UserAgent())
	return ctx
}

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// sessionFrom returns the session attached by sessionMiddleware.
func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}
