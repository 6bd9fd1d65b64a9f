package handler // handler defines http handlers

import (
	"encoding/json" // json carries raw operation payloads through unchanged
	"errors"        // errors.Is maps service errors to status codes
	"log"           // log records unexpected failures
	"net/http"      // http provides status code constants
	"strconv"       // strconv parses paging query parameters
	"strings"       // strings provides trimming helpers

	"github.com/labstack/echo/v4" // echo defines request context types

	"github.com/iliyamo/rundown-sync/internal/broadcast"  // broadcast upgrades websocket subscribers
	"github.com/iliyamo/rundown-sync/internal/middleware" // middleware exposes the authenticated user
	"github.com/iliyamo/rundown-sync/internal/model"      // model holds the document types
	"github.com/iliyamo/rundown-sync/internal/repository" // repository defines not-found and forbidden sentinels
	"github.com/iliyamo/rundown-sync/internal/rundown"    // rundown defines validation sentinels
	"github.com/iliyamo/rundown-sync/internal/service"    // service applies and reads rundown changes
)

// RundownHandler exposes the coordinator over HTTP and upgrades websocket
// subscribers to the broadcast hub.
type RundownHandler struct {
	Coord *service.Coordinator // Coord is the single write path for rundowns
	Hub   *broadcast.Hub       // Hub fans notifications out to websocket clients
}

// NewRundownHandler constructs a RundownHandler and panics if a dependency is nil
func NewRundownHandler(coord *service.Coordinator, hub *broadcast.Hub) *RundownHandler {
	if coord == nil || hub == nil {
		panic("nil dependency passed to NewRundownHandler")
	}
	return &RundownHandler{Coord: coord, Hub: hub}
}

// getUserID returns the authenticated user id stored by JWTAuth.
func getUserID(c echo.Context) (string, error) {
	if id := middleware.UserID(c); id != "" {
		return id, nil
	}
	return "", errors.New("invalid user_id in context")
}

// fail translates a service error into a JSON error response.
func fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrRundownNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "rundown not found"})
	case errors.Is(err, rundown.ErrItemNotFound):
		// 404 is reserved for the rundown itself; clients stop syncing on it
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, rundown.ErrUnknownOperation),
		errors.Is(err, rundown.ErrInvalidPayload),
		errors.Is(err, rundown.ErrUnknownField),
		errors.Is(err, rundown.ErrInvalidValue),
		errors.Is(err, rundown.ErrInvalidShowDate):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	log.Printf("handler: %s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// Create handles POST /v1/rundowns.  The caller becomes the owner.
func (h *RundownHandler) Create(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Title     string `json:"title"`
		ShowDate  string `json:"showDate"`
		StartTime string `json:"startTime"`
		Timezone  string `json:"timezone"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "title is required"})
	}
	rd, err := h.Coord.CreateRundown(c.Request().Context(), uid, title, body.ShowDate, body.StartTime, body.Timezone)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, rd)
}

// List handles GET /v1/rundowns and returns the rundowns the caller belongs to.
func (h *RundownHandler) List(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	items, err := h.Coord.ListRundowns(c.Request().Context(), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Get handles GET /v1/rundowns/:id and returns the full snapshot with
// derived times and the current log position.
func (h *RundownHandler) Get(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	snap, err := h.Coord.FetchSnapshot(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// SubmitOperation handles POST /v1/rundowns/:id/operations.
func (h *RundownHandler) SubmitOperation(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		OperationType    model.OpType    `json:"operationType"`
		OperationPayload json.RawMessage `json:"operationPayload"`
		ClientID         string          `json:"clientId"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.OperationType == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "operationType is required"})
	}
	res, err := h.Coord.ApplyStructuralOperation(c.Request().Context(), c.Param("id"), uid, body.ClientID, body.OperationType, body.OperationPayload)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		Success bool `json:"success"`
		service.StructuralResult
	}{true, res})
}

// ListOperations handles GET /v1/rundowns/:id/operations?since=N&limit=M.
func (h *RundownHandler) ListOperations(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	since, limit := int64(0), 0
	if s := c.QueryParam("since"); s != "" {
		if since, err = strconv.ParseInt(s, 10, 64); err != nil || since < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid since"})
		}
	}
	if s := c.QueryParam("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
	}
	page, err := h.Coord.FetchOperationsSince(c.Request().Context(), c.Param("id"), uid, since, limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// SubmitCells handles PATCH /v1/rundowns/:id/cells.
func (h *RundownHandler) SubmitCells(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		FieldUpdates []model.FieldUpdate `json:"fieldUpdates"`
		ClientID     string              `json:"clientId"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	res, err := h.Coord.SubmitCellEdits(c.Request().Context(), c.Param("id"), uid, body.ClientID, body.FieldUpdates)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		Success bool `json:"success"`
		service.CellResult
	}{true, res})
}

// AddMember handles POST /v1/rundowns/:id/members.  Only the owner may share.
func (h *RundownHandler) AddMember(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	role := strings.ToUpper(strings.TrimSpace(body.Role))
	if err := h.Coord.ShareRundown(c.Request().Context(), c.Param("id"), uid, strings.TrimSpace(body.UserID), role); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Subscribe handles GET /v1/rundowns/:id/ws.  Read access is checked
// before the upgrade so that a refused client gets a proper status code.
func (h *RundownHandler) Subscribe(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id := c.Param("id")
	if err := h.Coord.CheckAccess(c.Request().Context(), id, uid); err != nil {
		return fail(c, err)
	}
	if err := broadcast.ServeWS(h.Hub, c.Response(), c.Request(), id); err != nil {
		// the upgrader already wrote the error response
		log.Printf("handler: websocket upgrade for %s: %v", id, err)
	}
	return nil
}
