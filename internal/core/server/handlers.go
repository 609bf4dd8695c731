package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/solatis/redirector/internal/adapters"
	"github.com/solatis/redirector/internal/types"
)

// SourceRequest is one source pattern in a rule request.
type SourceRequest struct {
	Type  string `json:"type,omitempty" validate:"max=32"`
	Value string `json:"value" validate:"required,max=2048"`
}

// RuleRequest is the body of create, update and validate calls.
type RuleRequest struct {
	Sources     []SourceRequest `json:"sources" validate:"required,min=1,max=64,dive"`
	Destination string          `json:"destination,omitempty" validate:"max=2048"`
	StatusCode  int             `json:"status_code,omitempty" validate:"omitempty,oneof=301 302 307 410 451"`
	Active      *bool           `json:"active,omitempty"`
	Description string          `json:"description,omitempty" validate:"max=1000"`
}

// ActiveRequest is the body of PUT /api/v1/rules/{id}/active.
type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// ErrorResponse is the JSON error body of the rule API.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Index *int   `json:"index,omitempty"`
}

func (req RuleRequest) draft() types.RuleDraft {
	sources := make([]types.SourcePattern, 0, len(req.Sources))
	for _, src := range req.Sources {
		typ := types.PatternType(strings.ToLower(strings.TrimSpace(src.Type)))
		if parsed, err := types.ParsePatternType(src.Type); err == nil {
			typ = parsed
		}
		sources = append(sources, types.SourcePattern{Type: typ, Value: src.Value})
	}
	return types.RuleDraft{
		Sources:     sources,
		Destination: req.Destination,
		StatusCode:  types.StatusCode(req.StatusCode),
		Active:      req.Active,
		Description: req.Description,
	}
}

func (s *HTTPServer) listRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []types.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": list, "total": len(list)})
}

func (s *HTTPServer) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.engine.GetRule(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) createRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.engine.CreateRule(r.Context(), req.draft())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rules/"+string(rule.ID))
	writeJSON(w, http.StatusCreated, rule)
}

func (s *HTTPServer) validateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.engine.ValidateRule(req.draft())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "rule": rule})
}

func (s *HTTPServer) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.engine.UpdateRule(r.Context(), id, req.draft())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) setActive(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req ActiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.engine.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err == nil {
		err = s.engine.DeleteRule(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) deleteAllRules(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deleting every rule requires ?confirm=true"})
		return
	}
	n, err := s.engine.DeleteAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// importRules reads a csv, json or yaml body selected by ?format= or the
// Content-Type header.
func (s *HTTPServer) importRules(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = formatFromContentType(r.Header.Get("Content-Type"))
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	candidates, err := adapters.Parse(format, r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	res, err := s.engine.Import(r.Context(), candidates)
	if err != nil {
		s.log.Warnw("import interrupted", "imported", res.Imported, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// resolve reports what the front controller would do for ?uri= without
// following the redirect or counting a hit.
func (s *HTTPServer) resolve(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "uri query parameter is required"})
		return
	}
	m, ok := s.engine.Preview(uri)
	writeJSON(w, http.StatusOK, map[string]interface{}{"matched": ok, "match": m})
}

// ruleID reads {id}; a malformed id cannot name a stored rule.
func ruleID(r *http.Request) (types.RuleID, error) {
	id, err := types.ParseRuleID(mux.Vars(r)["id"])
	if err != nil {
		return "", fmt.Errorf("%w: malformed id", types.ErrRuleNotFound)
	}
	return id, nil
}

func formatFromContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "csv"):
		return adapters.FormatCSV
	case strings.Contains(ct, "yaml"):
		return adapters.FormatYAML
	default:
		return adapters.FormatJSON
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// writeError maps engine errors to status codes.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		resp := ErrorResponse{Error: ve.Error(), Field: ve.Field}
		if ve.Index >= 0 {
			idx := ve.Index
			resp.Index = &idx
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, types.ErrRuleNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrDuplicateRule):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		s.log.Errorw("rule API request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
