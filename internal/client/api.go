// Package client is the offline-first sync engine used by editors of a
// rundown.  It talks to the rundown API over HTTP, receives notifications
// over a websocket and keeps unsent edits in an offline queue.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
)

var (
	// ErrNotFound means the rundown does not exist.  Syncing stops.
	ErrNotFound = errors.New("client: rundown not found")
	// ErrForbidden means the user lost access to the rundown.  Syncing
	// stops.
	ErrForbidden = errors.New("client: access denied")
)

// APIError is a non-2xx response other than 403 and 404.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusConflict && e.Status != http.StatusTooManyRequests
}

// Snapshot is a full document and the log position it reflects.
type Snapshot struct {
	model.Rundown
	LatestSequence int64 `json:"latestSequence"`
}

// OperationsPage is one page of the operation log.
type OperationsPage struct {
	Operations     []model.Operation `json:"operations"`
	LatestSequence int64             `json:"latestSequence"`
	HasMore        bool              `json:"hasMore"`
	ResyncRequired bool              `json:"resyncRequired"`
}

// StructuralResult is the reply to a structural operation.
type StructuralResult struct {
	Success        bool   `json:"success"`
	NewVersion     int64  `json:"newVersion"`
	ItemCount      int    `json:"itemCount"`
	Description    string `json:"description"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// CellResult is the reply to a batch of cell edits.
type CellResult struct {
	Success        bool      `json:"success"`
	UpdatedAt      time.Time `json:"updatedAt"`
	SequenceNumber int64     `json:"sequenceNumber"`
}

// API calls the rundown HTTP API with a bearer token.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewAPI returns an API client for baseURL (e.g. "http://localhost:8080").
func NewAPI(baseURL, token string) *API {
	return &API{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	hc := a.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusForbidden:
			return ErrForbidden
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rundownPath(id string) string { return "/v1/rundowns/" + url.PathEscape(id) }

// Snapshot fetches the full document.
func (a *API) Snapshot(ctx context.Context, rundownID string) (*Snapshot, error) {
	var s Snapshot
	if err := a.do(ctx, http.MethodGet, rundownPath(rundownID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// OperationsSince fetches one page of operations after since.
func (a *API) OperationsSince(ctx context.Context, rundownID string, since int64, limit int) (*OperationsPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var p OperationsPage
	if err := a.do(ctx, http.MethodGet, rundownPath(rundownID)+"/operations?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitOperation sends one structural operation.
func (a *API) SubmitOperation(ctx context.Context, rundownID, clientID string, opType model.OpType, payload json.RawMessage) (*StructuralResult, error) {
	body := map[string]any{"operationType": opType, "operationPayload": payload, "clientId": clientID}
	var r StructuralResult
	if err := a.do(ctx, http.MethodPost, rundownPath(rundownID)+"/operations", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SubmitCells sends a batch of field updates.
func (a *API) SubmitCells(ctx context.Context, rundownID, clientID string, updates []model.FieldUpdate) (*CellResult, error) {
	body := map[string]any{"fieldUpdates": updates, "clientId": clientID}
	var r CellResult
	if err := a.do(ctx, http.MethodPatch, rundownPath(rundownID)+"/cells", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// WebsocketURL returns the notification stream URL of a rundown.  The
// token travels as a query parameter because browsers cannot set headers
// on websocket upgrades.
func (a *API) WebsocketURL(rundownID string) (string, error) {
	u, err := url.Parse(a.BaseURL + rundownPath(rundownID) + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", a.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
