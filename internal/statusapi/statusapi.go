// Package statusapi is a host-optional diagnostics HTTP surface: a
// loopback-only JSON projection of each configured provider's auth status
// and last error, for operator visibility. It never mutates credential
// state; it only reads through authmanager.Manager's public API.
package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unifychat/gateway/internal/authmanager"
	"github.com/unifychat/gateway/internal/config"
)

// Handler aggregates the config store and auth manager references this
// surface projects into JSON.
type Handler struct {
	store   *config.Store
	manager *authmanager.Manager
}

// NewHandler constructs a Handler bound to store and manager.
func NewHandler(store *config.Store, manager *authmanager.Manager) *Handler {
	return &Handler{store: store, manager: manager}
}

// authStatus is one provider's projected status line.
type authStatus struct {
	Name      string `json:"name"`
	Method    string `json:"method"`
	Valid     bool   `json:"valid"`
	LastError string `json:"lastError,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// LoopbackOnly rejects any request whose client IP is not 127.0.0.1/::1;
// this surface is for the operator on the same host, never the network.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip != "127.0.0.1" && ip != "::1" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "statusapi: loopback access only"})
			return
		}
		c.Next()
	}
}

// Register wires this surface's single route onto r, gated by
// LoopbackOnly. Callers that want the surface disabled simply never call
// Register.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/status/auths", LoopbackOnly(), h.ListAuths)
}

// ListAuths reports one authStatus per configured provider, read straight
// off the auth manager's current provider/last-error state; it never
// triggers a credential resolution or refresh.
func (h *Handler) ListAuths(c *gin.Context) {
	providers := h.store.List()
	out := make([]authStatus, 0, len(providers))
	for _, p := range providers {
		entry := authStatus{Name: p.Name, Method: string(p.Auth.Method)}
		if p.Auth.Method == config.MethodNone {
			out = append(out, entry)
			continue
		}
		provider, err := h.manager.GetProvider(c.Request.Context(), p.Name)
		configured := err == nil && provider != nil
		rec, hasErr := h.manager.GetLastError(p.Name)
		entry.Valid = configured && !hasErr
		if hasErr {
			if rec.Err != nil {
				entry.LastError = rec.Err.Error()
			}
			entry.ErrorType = string(rec.ErrorType)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}
