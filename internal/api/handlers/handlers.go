// Package handlers provides the HTTP handlers of the clinic API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/middleware"
	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// errorWriter maps errors onto the response envelope.
type errorWriter struct {
	logger *zap.Logger
	// debug exposes the text of unclassified errors.
	debug bool
}

func newErrorWriter(logger *zap.Logger, debug bool) errorWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return errorWriter{logger: logger, debug: debug}
}

func (e errorWriter) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, idempotency.ErrKeyReused), errors.Is(err, idempotency.ErrInProgress):
		response.Error(w, http.StatusConflict, err.Error())
		return
	}

	status := domainerr.HTTPStatus(err)
	if status != http.StatusInternalServerError {
		var de *domainerr.Error
		errors.As(err, &de)
		response.Error(w, status, de.Message)
		return
	}

	e.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
	msg := "internal server error"
	if e.debug {
		msg = err.Error()
	}
	response.Error(w, status, msg)
}

var errBadBody = domainerr.InvalidRequest("invalid request body")

// decode reads a JSON body into v. Unknown fields are accepted.
func decode(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return unmarshal(body, v)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		return nil, errBadBody
	}
	return body, nil
}

func unmarshal(body []byte, v any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return errBadBody
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errBadBody
	}
	return nil
}

// actorOf returns the authenticated caller. Routes are mounted behind
// RequireAuth, so an absent actor is a wiring bug and reported as 401.
func actorOf(r *http.Request) (auth.Actor, error) {
	a, ok := auth.ActorFrom(r.Context())
	if !ok {
		return auth.Actor{}, domainerr.Unauthorized("authentication required")
	}
	return a, nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domainerr.InvalidRequest("invalid %s", name)
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, domainerr.InvalidRequest("invalid %s", name)
	}
	return &id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domainerr.InvalidRequest("invalid %s", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, domainerr.InvalidRequest("invalid %s", name)
	}
	return &b, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, domainerr.InvalidRequest("invalid %s", name)
}

func queryPage(r *http.Request) (page, size int, err error) {
	if page, err = queryInt(r, "page", 1); err != nil {
		return 0, 0, err
	}
	if size, err = queryInt(r, "pageSize", 20); err != nil {
		return 0, 0, err
	}
	return page, size, nil
}
