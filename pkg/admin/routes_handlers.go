package admin

import (
	"encoding/json"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/getmockd/prock/pkg/httputil"
	"github.com/getmockd/prock/pkg/route"
)

// handleListRoutes handles GET /mock-routes.
func (a *API) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	records, err := a.routes.List(r.Context())
	if err != nil {
		a.writeStoreError(w, err, "list mock routes")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route.FromRecords(records))
}

// handleGetRoute handles GET /mock-routes/{id}.
func (a *API) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := a.routes.Get(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "get mock route", "id", id)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route.FromRecord(rec))
}

// handleCreateRoute handles POST /mock-routes.
func (a *API) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	dto, ok := a.decodeDTO(w, r, a.schemas.create)
	if !ok {
		return
	}
	rec, err := a.routes.Create(r.Context(), dto)
	if err != nil {
		a.writeStoreError(w, err, "create mock route", "id", dto.RouteID)
		return
	}
	a.log.Info("mock route created", "id", rec.ID, "method", rec.Method, "path", rec.Path)
	httputil.WriteJSON(w, http.StatusCreated, route.FromRecord(rec))
}

// handleUpdateRoute handles PUT /mock-routes.
func (a *API) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	dto, ok := a.decodeDTO(w, r, a.schemas.update)
	if !ok {
		return
	}
	rec, err := a.routes.Update(r.Context(), dto)
	if err != nil {
		a.writeStoreError(w, err, "update mock route", "id", dto.RouteID)
		return
	}
	a.log.Info("mock route updated", "id", rec.ID, "method", rec.Method, "path", rec.Path)
	httputil.WriteJSON(w, http.StatusOK, route.FromRecord(rec))
}

// handleDeleteRoute handles DELETE /mock-routes/{id}.
func (a *API) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.routes.Delete(r.Context(), id); err != nil {
		a.writeStoreError(w, err, "delete mock route", "id", id)
		return
	}
	a.log.Info("mock route deleted", "id", id)
	httputil.WriteNoContent(w)
}

// handleEnableRoute handles POST /mock-routes/{id}/enable.
func (a *API) handleEnableRoute(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

// handleDisableRoute handles POST /mock-routes/{id}/disable.
func (a *API) handleDisableRoute(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	rec, err := a.routes.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		a.writeStoreError(w, err, "toggle mock route", "id", id, "enabled", enabled)
		return
	}
	a.log.Info("mock route toggled", "id", id, "enabled", enabled)
	httputil.WriteJSON(w, http.StatusOK, route.FromRecord(rec))
}

// decodeDTO reads the body, validates it against schema and decodes it.
func (a *API) decodeDTO(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) (route.DTO, bool) {
	var dto route.DTO
	body, ok := readBody(w, r)
	if !ok {
		return dto, false
	}
	if !a.validate(w, schema, body) {
		return dto, false
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, CodeInvalidJSON, ErrMsgInvalidJSON)
		return dto, false
	}
	return dto, true
}

// validate writes a 400 response and returns false when body does not
// satisfy schema.
func (a *API) validate(w http.ResponseWriter, schema *jsonschema.Schema, body []byte) bool {
	err := validateBody(schema, body)
	if err == nil {
		return true
	}
	if serr, ok := err.(*SchemaError); ok {
		httputil.WriteError(w, http.StatusBadRequest, CodeValidationError, serr.Error())
		return false
	}
	httputil.WriteError(w, http.StatusBadRequest, CodeInvalidJSON, ErrMsgInvalidJSON)
	return false
}
