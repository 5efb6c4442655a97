// Package handler implements the node's HTTP API on gin: unit submission
// and reads, the sync stream, agent/follow/peer registries, inboxes, and
// the well-known discovery endpoints.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// respondErr writes the uniform error body and aborts the request.
func respondErr(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, api.ErrorBody{Error: msg, Code: code})
}

// respondStoreErr maps storage sentinels onto the error taxonomy, hiding
// backend detail behind internal_error.
func respondStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondErr(c, http.StatusNotFound, api.CodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		respondErr(c, http.StatusConflict, api.CodeIDConflict, "a different unit with this id already exists")
	default:
		respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
	}
}
