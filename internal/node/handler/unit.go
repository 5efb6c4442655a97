package handler

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/federation"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// Listing page-size bounds.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Subgraph traversal bounds.
const (
	defaultSubgraphDepth = 10
	maxSubgraphDepth     = 50
)

// UnitHandler serves unit submission, retrieval, listing, and subgraph
// traversal. Visibility policy lives here, never in storage: the filter
// passed to ListUnits is this handler's proof of entitlement.
type UnitHandler struct {
	store           storage.Store
	fanout          *federation.Fanout
	auth            *Auth
	signingRequired bool
	logger          *zap.Logger
}

// NewUnitHandler builds the unit endpoints.
func NewUnitHandler(store storage.Store, fanout *federation.Fanout, auth *Auth, signingRequired bool, logger *zap.Logger) *UnitHandler {
	return &UnitHandler{store: store, fanout: fanout, auth: auth, signingRequired: signingRequired, logger: logger}
}

// Register mounts the unit routes on the given router group.
func (h *UnitHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/units", h.auth.OptionalAuth(), h.Submit)
	rg.GET("/units", h.auth.OptionalAuth(), h.List)
	rg.GET("/units/:id", h.auth.OptionalAuth(), h.GetByID)
	rg.GET("/units/:id/subgraph", h.auth.OptionalAuth(), h.Subgraph)
}

// Submit handles POST /v1/units. First-time store returns 201; an identical
// resubmission returns 200 with the stored unit; a different unit under the
// same id returns 409.
func (h *UnitHandler) Submit(c *gin.Context) {
	var u unit.Unit
	if err := c.ShouldBindJSON(&u); err != nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "request body is not a valid unit: "+err.Error())
		return
	}
	if err := unit.Validate(&u); err != nil {
		respondErr(c, http.StatusUnprocessableEntity, api.CodeValidationFailed, err.Error())
		return
	}
	if h.signingRequired && u.Proof == nil {
		respondErr(c, http.StatusUnprocessableEntity, api.CodeValidationFailed, "this node requires signed units")
		return
	}
	if u.Proof != nil {
		if err := unit.VerifyProof(&u); err != nil {
			respondErr(c, http.StatusUnprocessableEntity, api.CodeValidationFailed, "proof verification failed: "+err.Error())
			return
		}
	}

	if u.EffectiveVisibility() != unit.VisibilityPublic {
		caller := CallerDID(c)
		if caller == "" {
			respondErr(c, http.StatusUnauthorized, api.CodeUnauthorized, "non-public units require an authenticated author")
			return
		}
		if caller != u.Author {
			respondErr(c, http.StatusForbidden, api.CodeForbidden, "authenticated caller must be the unit author")
			return
		}
	}

	err := h.store.PutUnit(c.Request.Context(), &u)
	if err == nil {
		RecordUnitStored()
		go h.fanout.Deliver(&u)
		c.JSON(http.StatusCreated, &u)
		return
	}
	if errors.Is(err, storage.ErrConflict) {
		existing, getErr := h.store.GetUnit(c.Request.Context(), u.ID)
		if getErr != nil {
			h.logger.Error("conflicting unit vanished", zap.String("id", u.ID), zap.Error(getErr))
			respondStoreErr(c, err)
			return
		}
		if sameCanonicalContent(&u, existing) {
			c.JSON(http.StatusOK, existing)
			return
		}
		respondErr(c, http.StatusConflict, api.CodeIDConflict, "a different unit with this id already exists")
		return
	}
	h.logger.Error("unit store failed", zap.String("id", u.ID), zap.Error(err))
	respondStoreErr(c, err)
}

// sameCanonicalContent compares two units by their RFC 8785 canonical form
// with proofs stripped, so a byte-identical resubmission is idempotent.
func sameCanonicalContent(a, b *unit.Unit) bool {
	ca, errA := unit.CanonicalPayload(a)
	cb, errB := unit.CanonicalPayload(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// GetByID handles GET /v1/units/:id. A unit the caller is not entitled to
// see is reported as absent, never as forbidden.
func (h *UnitHandler) GetByID(c *gin.Context) {
	id := c.Param("id")
	if !unit.IsUUIDv7(id) {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "id must be a valid UUIDv7")
		return
	}
	u, err := h.store.GetUnit(c.Request.Context(), id)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	visible, err := h.canSee(c, u)
	if err != nil {
		h.logger.Error("visibility check failed", zap.String("id", id), zap.Error(err))
		respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
		return
	}
	if !visible {
		respondErr(c, http.StatusNotFound, api.CodeNotFound, "not found")
		return
	}
	c.JSON(http.StatusOK, u)
}

// canSee evaluates the caller's entitlement to one unit.
func (h *UnitHandler) canSee(c *gin.Context, u *unit.Unit) (bool, error) {
	caller := CallerDID(c)
	switch u.EffectiveVisibility() {
	case unit.VisibilityPublic:
		return true, nil
	case unit.VisibilityNetwork:
		if caller == "" {
			return false, nil
		}
		if caller == u.Author {
			return true, nil
		}
		following, err := h.store.Following(c.Request.Context(), caller)
		if err != nil {
			return false, err
		}
		for _, did := range following {
			if did == u.Author {
				return true, nil
			}
		}
		return false, nil
	case unit.VisibilityLimited:
		if caller == "" {
			return false, nil
		}
		if caller == u.Author {
			return true, nil
		}
		for _, member := range u.Audience {
			if member == caller {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// List handles GET /v1/units. Unauthenticated callers see only public
// units; authenticated callers additionally see network units from authors
// they follow. Limited units never appear in listings.
func (h *UnitHandler) List(c *gin.Context) {
	filter, ok := h.buildListFilter(c)
	if !ok {
		return
	}
	caller := CallerDID(c)
	if caller == "" {
		filter.Visibilities = []unit.Visibility{unit.VisibilityPublic}
	} else {
		following, err := h.store.Following(c.Request.Context(), caller)
		if err != nil {
			h.logger.Error("follow lookup failed", zap.String("caller", caller), zap.Error(err))
			respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
			return
		}
		filter.Visibilities = []unit.Visibility{unit.VisibilityPublic, unit.VisibilityNetwork}
		filter.NetworkForAuthors = append(following, caller)
	}

	page, err := h.store.ListUnits(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("unit listing failed", zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, listBody(page))
}

// listBody shapes a storage page into the wire envelope.
func listBody(page storage.Page) gin.H {
	body := gin.H{
		"units":    unitsOrEmpty(page.Units),
		"has_more": page.HasMore,
	}
	if n := len(page.Units); n > 0 {
		body["cursor"] = page.Units[n-1].ID
	}
	return body
}

func unitsOrEmpty(units []*unit.Unit) []*unit.Unit {
	if units == nil {
		return []*unit.Unit{}
	}
	return units
}

// buildListFilter parses the shared listing query parameters. It responds
// with invalid_parameter and returns ok=false on malformed input.
func (h *UnitHandler) buildListFilter(c *gin.Context) (storage.UnitFilter, bool) {
	var f storage.UnitFilter
	if t := c.Query("type"); t != "" {
		for _, part := range strings.Split(t, ",") {
			k := unit.Kind(strings.TrimSpace(part))
			if !k.Valid() {
				respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "unknown unit type "+strconv.Quote(string(k)))
				return f, false
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	f.Author = c.Query("author")
	f.Since = c.Query("since")
	if after := c.Query("after"); after != "" {
		if !unit.IsUUIDv7(after) {
			respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "after must be a valid UUIDv7")
			return f, false
		}
		f.After = after
	}
	f.Limit = defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "limit must be an integer")
			return f, false
		}
		f.Limit = clamp(n, 1, maxListLimit)
	}
	return f, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Subgraph handles GET /v1/units/:id/subgraph: a depth-bounded BFS from the
// root through both outgoing references and the incoming-reference index.
// Only units the caller may see are included; referenced units the node
// does not hold are silently omitted.
func (h *UnitHandler) Subgraph(c *gin.Context) {
	id := c.Param("id")
	if !unit.IsUUIDv7(id) {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "id must be a valid UUIDv7")
		return
	}
	depth := defaultSubgraphDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "depth must be a positive integer")
			return
		}
		depth = min(n, maxSubgraphDepth)
	}

	ctx := c.Request.Context()
	root, err := h.store.GetUnit(ctx, id)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	visible, err := h.canSee(c, root)
	if err == nil && !visible {
		respondErr(c, http.StatusNotFound, api.CodeNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("visibility check failed", zap.String("id", id), zap.Error(err))
		respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
		return
	}

	seen := map[string]*unit.Unit{root.ID: root}
	frontier := []*unit.Unit{root}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []*unit.Unit
		for _, u := range frontier {
			var neighbours []*unit.Unit
			for _, ref := range u.References {
				if _, ok := seen[ref.ID]; ok {
					continue
				}
				target, err := h.store.GetUnit(ctx, ref.ID)
				if err != nil {
					continue // forward reference to a unit we do not hold
				}
				neighbours = append(neighbours, target)
			}
			incoming, err := h.store.IncomingRefs(ctx, u.ID)
			if err != nil {
				h.logger.Error("incoming-ref lookup failed", zap.String("id", u.ID), zap.Error(err))
				respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
				return
			}
			neighbours = append(neighbours, incoming...)

			for _, n := range neighbours {
				if _, ok := seen[n.ID]; ok {
					continue
				}
				visible, err := h.canSee(c, n)
				if err != nil || !visible {
					continue
				}
				seen[n.ID] = n
				next = append(next, n)
			}
		}
		frontier = next
	}

	units := make([]*unit.Unit, 0, len(seen))
	for _, u := range seen {
		units = append(units, u)
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}
