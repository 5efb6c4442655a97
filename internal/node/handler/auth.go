package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/httpsig"
	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// Context keys set by the auth middlewares.
const (
	ctxCallerDID  = "caller_did"
	ctxCallerNode = "caller_node_id"
)

// Auth provides the three signature-verification middlewares. All
// verification failures are redacted to a single unauthorized response so
// callers cannot probe which step failed.
type Auth struct {
	store  storage.Store
	logger *zap.Logger
}

// NewAuth builds the auth middlewares over the agent registry.
func NewAuth(store storage.Store, logger *zap.Logger) *Auth {
	return &Auth{store: store, logger: logger}
}

// CallerDID returns the authenticated agent DID, or "" when the request is
// unauthenticated.
func CallerDID(c *gin.Context) string {
	return c.GetString(ctxCallerDID)
}

// CallerNodeID returns the authenticated remote node DID set by NodeAuth.
func CallerNodeID(c *gin.Context) string {
	return c.GetString(ctxCallerNode)
}

func unauthorized(c *gin.Context) {
	respondErr(c, http.StatusUnauthorized, api.CodeUnauthorized, "request signature missing or invalid")
}

// verifyAgent checks the request signature against the registered key of
// the agent named by keyId. Returns the caller DID or an empty string.
func (a *Auth) verifyAgent(c *gin.Context) string {
	params, err := httpsig.ParseHeader(c.GetHeader("Signature"))
	if err != nil {
		return ""
	}
	if err := httpsig.ValidateDate(c.GetHeader("Date"), time.Now()); err != nil {
		return ""
	}
	agent, err := a.store.GetAgent(c.Request.Context(), params.KeyID)
	if err != nil || agent.PublicKey == "" {
		return ""
	}
	pub, err := identity.DecodePublicKeyMultibase(agent.PublicKey)
	if err != nil {
		return ""
	}
	if err := httpsig.Verify(c.Request, params, pub); err != nil {
		return ""
	}
	return agent.DID
}

// RequireAuth rejects requests without a valid agent signature and records
// the caller DID for handlers.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		did := a.verifyAgent(c)
		if did == "" {
			unauthorized(c)
			return
		}
		c.Set(ctxCallerDID, did)
		c.Next()
	}
}

// OptionalAuth records the caller DID when a signature is present and
// valid. A present-but-invalid signature is still rejected; an absent one
// leaves the request unauthenticated.
func (a *Auth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Signature") == "" {
			c.Next()
			return
		}
		did := a.verifyAgent(c)
		if did == "" {
			unauthorized(c)
			return
		}
		c.Set(ctxCallerDID, did)
		c.Next()
	}
}

// NodeAuth authenticates a remote node. The keyId must be a did:key; the
// verifying key is decoded from the identifier itself, no registry lookup.
func (a *Auth) NodeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		params, err := httpsig.ParseHeader(c.GetHeader("Signature"))
		if err != nil {
			unauthorized(c)
			return
		}
		if !strings.HasPrefix(params.KeyID, "did:key:") {
			unauthorized(c)
			return
		}
		if err := httpsig.ValidateDate(c.GetHeader("Date"), time.Now()); err != nil {
			unauthorized(c)
			return
		}
		pub, err := identity.DecodeDIDKey(params.KeyID)
		if err != nil {
			unauthorized(c)
			return
		}
		if err := httpsig.Verify(c.Request, params, pub); err != nil {
			unauthorized(c)
			return
		}
		c.Set(ctxCallerNode, params.KeyID)
		c.Next()
	}
}
