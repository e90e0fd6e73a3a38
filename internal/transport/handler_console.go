package transport

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/audit"
	"github.com/pitabwire/rulesconsole/internal/console"
	"github.com/pitabwire/rulesconsole/internal/export"
	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

const maxRequestBody = 1 << 20

type consoleHandlers struct {
	consoles *console.Manager
	audit    audit.Store
	logger   *zap.Logger
}

type filtersResponse struct {
	Filters console.FilterView    `json:"filters"`
	Table   model.TableDescriptor `json:"table"`
}

type submitResponse struct {
	Result mutation.Result       `json:"result"`
	Table  model.TableDescriptor `json:"table"`
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

// resolve returns the caller's console, starting it on first use. It writes
// the error response and returns nil when that is not possible.
func (h *consoleHandlers) resolve(w http.ResponseWriter, r *http.Request) *console.Console {
	subject, err := model.SubjectFrom(r.Context())
	if err != nil {
		writeError(w, r, model.NewUnauthorizedError("Missing subject"))
		return nil
	}
	c := h.consoles.Get(subject)
	if c.Started() {
		return c
	}
	if _, err := c.Start(r.Context()); err != nil {
		writeStartError(w, r, err)
		return nil
	}
	return c
}

func (h *consoleHandlers) start(w http.ResponseWriter, r *http.Request) {
	subject, err := model.SubjectFrom(r.Context())
	if err != nil {
		writeError(w, r, model.NewUnauthorizedError("Missing subject"))
		return
	}
	view, err := h.consoles.Get(subject).Start(r.Context())
	if err != nil {
		writeStartError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *consoleHandlers) access(w http.ResponseWriter, r *http.Request) {
	if c := h.resolve(w, r); c != nil {
		WriteJSON(w, http.StatusOK, c.Access())
	}
}

func (h *consoleHandlers) fields(w http.ResponseWriter, r *http.Request) {
	if c := h.resolve(w, r); c != nil {
		WriteJSON(w, http.StatusOK, c.Fields())
	}
}

func (h *consoleHandlers) filters(w http.ResponseWriter, r *http.Request) {
	if c := h.resolve(w, r); c != nil {
		WriteJSON(w, http.StatusOK, c.Filters())
	}
}

func (h *consoleHandlers) setDraft(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var values map[string]any
	if !decodeBody(w, r, &values) {
		return
	}
	WriteJSON(w, http.StatusOK, c.SetDraft(values))
}

func (h *consoleHandlers) applyFilters(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	table, err := c.ApplyFilters(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, filtersResponse{Filters: c.Filters(), Table: table})
}

func (h *consoleHandlers) clearFilters(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	table, err := c.ClearFilters(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, filtersResponse{Filters: c.Filters(), Table: table})
}

func (h *consoleHandlers) rules(w http.ResponseWriter, r *http.Request) {
	if c := h.resolve(w, r); c != nil {
		WriteJSON(w, http.StatusOK, c.Table())
	}
}

func (h *consoleHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	writeTable(w, r)(c.Refresh(r.Context()))
}

func (h *consoleHandlers) setPage(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var body struct {
		Page *int `json:"page"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Page == nil {
		WriteBadRequest(w, "page is required")
		return
	}
	writeTable(w, r)(c.SetPage(r.Context(), *body.Page))
}

func (h *consoleHandlers) setPageSize(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var body struct {
		Size int `json:"size"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeTable(w, r)(c.SetPageSize(r.Context(), body.Size))
}

func (h *consoleHandlers) toggleSort(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var body struct {
		Field string `json:"field"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Field == "" {
		WriteBadRequest(w, "field is required")
		return
	}
	writeTable(w, r)(c.ToggleSort(r.Context(), body.Field))
}

func (h *consoleHandlers) openEditor(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}

	var (
		view mutation.View
		err  error
	)
	if strings.TrimSpace(body.ID) == "" {
		view, err = c.OpenCreate()
	} else {
		view, err = c.OpenEdit(body.ID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *consoleHandlers) editor(w http.ResponseWriter, r *http.Request) {
	if c := h.resolve(w, r); c != nil {
		WriteJSON(w, http.StatusOK, c.Editor())
	}
}

func (h *consoleHandlers) editFields(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	var values map[string]any
	if !decodeBody(w, r, &values) {
		return
	}
	view, err := c.EditFields(values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *consoleHandlers) submit(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	res, err := c.Submit(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, submitResponse{Result: res, Table: c.Table()})
}

func (h *consoleHandlers) closeEditor(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	if err := c.CloseEditor(); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *consoleHandlers) export(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	if err := c.CheckExport(); err != nil {
		writeError(w, r, err)
		return
	}

	compress := acceptsGzip(r)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename}))
	if compress {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
	}
	w.WriteHeader(http.StatusOK)

	if _, err := c.Export(r.Context(), w, compress); err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("export aborted", zap.Error(err))
	}
}

func (h *consoleHandlers) auditLog(w http.ResponseWriter, r *http.Request) {
	c := h.resolve(w, r)
	if c == nil {
		return
	}
	if !c.IsWriteAccess() {
		WriteForbidden(w, "the audit log requires write access")
		return
	}
	if h.audit == nil {
		WriteNotFound(w, "audit log is disabled")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Subject:   q.Get("subject"),
		Operation: q.Get("operation"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := h.audit.List(r.Context(), f)
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Error("failed to list audit entries", zap.Error(err))
		writeError(w, r, model.NewInternalError())
		return
	}
	WriteJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

// --- helpers ---

func writeTable(w http.ResponseWriter, r *http.Request) func(model.TableDescriptor, error) {
	return func(table model.TableDescriptor, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, table)
	}
}

// writeError writes err with the request's trace id attached.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ee, status := envelopeFor(err)
	out := *ee
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && out.TraceID == "" {
		out.TraceID = rctx.TraceID
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// writeStartError reports a console that could not load its schema. Backend
// rejections and unexplained failures become BACKEND_UNAVAILABLE.
func writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	if ee, status := envelopeFor(err); status == http.StatusInternalServerError || ee.Code == model.ErrSubmitRejected {
		err = model.NewBackendUnavailableError()
	}
	writeError(w, r, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, false)
}

// decodeOptionalBody accepts an empty body and leaves v untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, true)
}

func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteBadRequest(w, "request body too large")
			return false
		}
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			continue
		}
		_, q, ok := strings.Cut(strings.ReplaceAll(params, " ", ""), "q=")
		if !ok {
			return true
		}
		weight, err := strconv.ParseFloat(q, 64)
		return err == nil && weight > 0
	}
	return false
}
