// Package auth resolves the tailnet identity behind an API request. The
// identity is recorded in audit logs; it is not used to allow or deny anything.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"tailscale.com/client/tailscale/apitype"
)

// WhoIser looks up the tailnet node and user behind a remote address.
// *local.Client satisfies it.
type WhoIser interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

// Identity is the tailnet user and node that sent a request.
type Identity struct {
	LoginName   string // e.g. "alice@github"
	DisplayName string
	NodeName    string // e.g. "laptop"
	TailnetIP   string // e.g. "100.64.0.1"
}

// String renders the identity for logs, e.g. "alice@github (laptop)".
func (id *Identity) String() string {
	if id == nil {
		return "anonymous"
	}
	return fmt.Sprintf("%s (%s)", id.LoginName, id.NodeName)
}

// Identifier resolves request identities through a WhoIser.
type Identifier struct {
	who    WhoIser
	logger *slog.Logger
}

// NewIdentifier creates an Identifier.
func NewIdentifier(who WhoIser, logger *slog.Logger) *Identifier {
	return &Identifier{who: who, logger: logger}
}

// Identify returns the identity of the request's remote address. It only
// works for requests arriving on a tsnet listener.
func (a *Identifier) Identify(r *http.Request) (*Identity, error) {
	who, err := a.who.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("WhoIs failed: %w", err)
	}
	if who.UserProfile == nil {
		return nil, fmt.Errorf("no user profile for %s", r.RemoteAddr)
	}

	id := &Identity{
		LoginName:   who.UserProfile.LoginName,
		DisplayName: who.UserProfile.DisplayName,
	}
	if who.Node != nil {
		id.NodeName = strings.ToLower(who.Node.ComputedName)
		id.TailnetIP = tailnetIPFromAddrs(who.Node.Addresses)
	}
	return id, nil
}

// Middleware attaches the caller's identity to the request context when it
// can be resolved. Requests are always passed on.
func (a *Identifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			a.logger.Debug("caller identity unavailable", "remote", r.RemoteAddr, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type contextKey string

const identityKey contextKey = "wakeproxy-identity"

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves an Identity from the context.
func GetIdentity(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// Caller describes whoever made the request in ctx, for audit logs.
func Caller(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.String()
}

func tailnetIPFromAddrs(addrs []netip.Prefix) string {
	for _, prefix := range addrs {
		if ip := prefix.Addr(); ip.Is4() {
			return ip.String()
		}
	}
	if len(addrs) > 0 {
		return addrs[0].Addr().String()
	}
	return ""
}
