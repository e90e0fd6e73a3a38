package integration

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/rulesconsole/model"
)

// Backend operation names used to record and script requests.
const (
	OpUserAccess    = "userAccess"
	OpFieldMetadata = "fieldMetadata"
	OpListRules     = "listRules"
	OpCreateRule    = "createRule"
	OpUpdateRule    = "updateRule"
	OpExportRules   = "exportRules"
)

// MockBackend is an in-process rules backend. It keeps a rule table in memory,
// answers the console's REST calls from it, and records every request.
// Scripted responses override the table for a given operation.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	rules      map[string]model.Rule
	nextID     int
	fields     model.FieldMetadata
	access     map[string]model.UserAccess
	scripted   map[string][]*mockResponse
	receivedBy map[string][]*RecordedRequest
}

// RecordedRequest captures one request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Query      map[string]string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock scripts responses for one operation.
type OperationMock struct {
	backend *MockBackend
	op      string
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:          t,
		rules:      make(map[string]model.Rule),
		fields:     defaultFields(),
		access:     make(map[string]model.UserAccess),
		scripted:   make(map[string][]*mockResponse),
		receivedBy: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rules/user/access", mb.handle(OpUserAccess, mb.userAccess))
	mux.HandleFunc("GET /api/rules/fields", mb.handle(OpFieldMetadata, mb.fieldMetadata))
	mux.HandleFunc("GET /api/rules/extract", mb.handle(OpExportRules, mb.exportRules))
	mux.HandleFunc("GET /api/rules", mb.handle(OpListRules, mb.listRules))
	mux.HandleFunc("POST /api/rules", mb.handle(OpCreateRule, mb.createRule))
	mux.HandleFunc("PUT /api/rules/{id}", mb.handle(OpUpdateRule, mb.updateRule))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the backend base URL the client should be configured with.
func (mb *MockBackend) URL() string {
	return mb.server.URL + "/api"
}

// SeedRules adds rules to the table, assigning ids where missing.
func (mb *MockBackend) SeedRules(rules ...model.Rule) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, r := range rules {
		if r.ID == "" {
			r.ID = mb.newIDLocked()
		}
		mb.rules[r.ID] = r
	}
}

// Rule returns the stored rule with the given id.
func (mb *MockBackend) Rule(id string) (model.Rule, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	r, ok := mb.rules[id]
	return r, ok
}

// GrantAccess sets the access returned for tokens carrying the given subject.
func (mb *MockBackend) GrantAccess(subject string, ua model.UserAccess) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.access[subject] = ua
}

// On returns a builder that scripts responses for an operation.
func (mb *MockBackend) On(op string) *OperationMock {
	return &OperationMock{backend: mb, op: op}
}

// RespondWith queues a canned response. The last queued response repeats.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithServerError queues a backend error body.
func (om *OperationMock) RespondWithServerError(status int, message string, fieldErrors map[string]string) *OperationMock {
	return om.RespondWith(status, model.ServerError{Status: status, Message: message, Errors: fieldErrors})
}

// RespondWithDelay queues a delayed canned response.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a dropped connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{connError: true})
	return om
}

// Reset drops scripted responses so the operation is served from the table again.
func (om *OperationMock) Reset() {
	om.backend.mu.Lock()
	defer om.backend.mu.Unlock()
	delete(om.backend.scripted, om.op)
}

func (mb *MockBackend) addResponse(op string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.scripted[op] = append(mb.scripted[op], resp)
}

func (mb *MockBackend) nextScripted(op string) *mockResponse {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	queue := mb.scripted[op]
	if len(queue) == 0 {
		return nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		mb.scripted[op] = queue[1:]
	}
	return resp
}

func (mb *MockBackend) handle(op string, serve http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      make(map[string]string),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.Query[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			if len(body) > 0 {
				json.Unmarshal(body, &rec.Body)
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}

		mb.mu.Lock()
		mb.receivedBy[op] = append(mb.receivedBy[op], rec)
		mb.mu.Unlock()

		resp := mb.nextScripted(op)
		if resp == nil {
			serve(w, r)
			return
		}
		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		writeJSON(w, resp.status, resp.body)
	}
}

func (mb *MockBackend) userAccess(w http.ResponseWriter, r *http.Request) {
	subject := tokenSubject(r)
	mb.mu.RLock()
	ua, ok := mb.access[subject]
	mb.mu.RUnlock()
	if !ok {
		ua = model.UserAccess{Role: model.RoleReadOnly, Permissions: []string{}}
	}
	writeJSON(w, http.StatusOK, ua)
}

func (mb *MockBackend) fieldMetadata(w http.ResponseWriter, _ *http.Request) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	writeJSON(w, http.StatusOK, mb.fields)
}

func (mb *MockBackend) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	matched := mb.matching(q)

	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	if size <= 0 {
		size = 25
	}
	start := min(page*size, len(matched))
	end := min(start+size, len(matched))

	writeJSON(w, http.StatusOK, model.RulePage{
		Content:       matched[start:end],
		TotalElements: int64(len(matched)),
	})
}

func (mb *MockBackend) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ServerError{Status: 400, Message: "Malformed rule"})
		return
	}
	if rule.ID != "" {
		writeJSON(w, http.StatusBadRequest, model.ServerError{Status: 400, Message: "New rules must not carry an id"})
		return
	}

	mb.mu.Lock()
	rule.ID = mb.newIDLocked()
	mb.rules[rule.ID] = rule
	mb.mu.Unlock()

	writeJSON(w, http.StatusCreated, rule)
}

func (mb *MockBackend) updateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ServerError{Status: 400, Message: "Malformed rule"})
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.rules[id]; !ok {
		writeJSON(w, http.StatusNotFound, model.ServerError{Status: 404, Message: "Rule " + id + " not found"})
		return
	}
	rule.ID = id
	mb.rules[id] = rule
	writeJSON(w, http.StatusOK, rule)
}

func (mb *MockBackend) exportRules(w http.ResponseWriter, r *http.Request) {
	matched := mb.matching(r.URL.Query())

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	cw.Write([]string{"Sequence Number", "Rule Type", "MD State"})
	for _, rule := range matched {
		cw.Write([]string{rule.SequenceNumber, rule.RuleType, rule.MDState})
	}
	cw.Flush()
}

// matching returns the stored rules whose string fields equal every filter
// parameter, ordered by the sort parameter.
func (mb *MockBackend) matching(q map[string][]string) []model.Rule {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	out := make([]model.Rule, 0, len(mb.rules))
	for _, rule := range mb.rules {
		rec := rule.Record()
		keep := true
		for key, values := range q {
			switch key {
			case "page", "size", "sort":
				continue
			}
			if len(values) == 0 || stringValue(rec[key]) != values[0] {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rule)
		}
	}

	field, dir, _ := strings.Cut(first(q["sort"]), ",")
	if field == "" {
		field = model.FieldSequenceNumber
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := stringValue(out[i].Record()[field]), stringValue(out[j].Record()[field])
		if dir == "desc" {
			return a > b
		}
		return a < b
	})
	return out
}

func (mb *MockBackend) newIDLocked() string {
	mb.nextID++
	return "rule-" + strconv.Itoa(mb.nextID)
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedBy[op])
	mb.mu.RUnlock()
	if actual != expected {
		t.Errorf("mock backend: %q called %d times, want %d", op, actual, expected)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mb.AssertCalled(t, op, 0)
}

// LastRequest returns the last request received for the operation, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedBy[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func defaultFields() model.FieldMetadata {
	zero := 0.0
	return model.FieldMetadata{
		{Field: model.FieldSequenceNumber, Label: "Sequence Number", Type: model.FieldKindText, Required: true},
		{Field: model.FieldRuleType, Label: "Rule Type", Type: model.FieldKindDropdown, Required: true, Options: []string{"State", "Federal"}},
		{Field: model.FieldMDState, Label: "MD State", Type: model.FieldKindText},
		{Field: model.FieldShipToState, Label: "Ship To State", Type: model.FieldKindText},
		{Field: model.FieldQuantity, Label: "Quantity", Type: model.FieldKindNumber, Min: &zero},
		{Field: model.FieldMaxQuantity, Label: "Max Quantity", Type: model.FieldKindNumber, Min: &zero},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		b, _ := json.Marshal(s)
		return string(b)
	}
}

// tokenSubject reads the sub claim of the forwarded bearer token. The console
// has already verified it.
func tokenSubject(r *http.Request) string {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
