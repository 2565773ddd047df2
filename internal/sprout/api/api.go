// Package api exposes the pool service over the JSON-RPC-style HTTP
// endpoint: POST {"method", "args", "kwargs", "auth"} dispatches a method,
// GET lists the method catalog.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/observability"
	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Call is one decoded RPC invocation. Positional args and keyword args are
// both accepted; kwargs win on collision.
type Call struct {
	Args   []any
	Kwargs map[string]any
	// User is the authenticated caller, nil for anonymous methods.
	User *sprout.User

	argNames []string
}

// arg resolves a named parameter from kwargs or its positional slot.
func (c *Call) arg(name string) (any, bool) {
	if v, ok := c.Kwargs[name]; ok {
		return v, true
	}
	for i, n := range c.argNames {
		if n == name && i < len(c.Args) {
			return c.Args[i], true
		}
	}
	return nil, false
}

// String fetches a required string parameter.
func (c *Call) String(name string) (string, error) {
	v, ok := c.arg(name)
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

// StringOr fetches an optional string parameter.
func (c *Call) StringOr(name, fallback string) (string, error) {
	v, ok := c.arg(name)
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

// Int fetches a required integer parameter. JSON numbers arrive as float64.
func (c *Call) Int(name string) (int64, error) {
	v, ok := c.arg(name)
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	return coerceInt(name, v)
}

// IntOr fetches an optional integer parameter.
func (c *Call) IntOr(name string, fallback int64) (int64, error) {
	v, ok := c.arg(name)
	if !ok || v == nil {
		return fallback, nil
	}
	return coerceInt(name, v)
}

// BoolOr fetches an optional boolean parameter.
func (c *Call) BoolOr(name string, fallback bool) (bool, error) {
	v, ok := c.arg(name)
	if !ok || v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", name)
	}
	return b, nil
}

func coerceInt(name string, v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("argument %q must be a number", name)
}

// Method is one dispatchable RPC method.
type Method struct {
	Name        string
	Description string
	ArgNames    []string
	NeedsAuth   bool
	Handler     func(ctx context.Context, c *Call) (any, error)
}

// Handler is the HTTP endpoint.
type Handler struct {
	svc     *sprout.Service
	store   sprout.Store
	logger  *zap.Logger
	methods map[string]*Method
	order   []string
}

// NewHandler builds the endpoint with the full method catalog registered.
func NewHandler(svc *sprout.Service) *Handler {
	h := &Handler{
		svc:     svc,
		store:   svc.Store(),
		logger:  observability.GetLogger().Named("api"),
		methods: make(map[string]*Method),
	}
	h.registerMethods()
	return h
}

func (h *Handler) register(m *Method) {
	if _, dup := h.methods[m.Name]; dup {
		panic(fmt.Sprintf("rpc method %q registered twice", m.Name))
	}
	h.methods[m.Name] = m
	h.order = append(h.order, m.Name)
}

type request struct {
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	// Auth is [username, password], optional.
	Auth []string `json:"auth"`
}

type response struct {
	Status string `json:"status"`
	Result any    `json:"result"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.describe(w)
	case http.MethodPost:
		h.dispatch(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// describe answers GET with the method catalog.
func (h *Handler) describe(w http.ResponseWriter) {
	type desc struct {
		Name                string   `json:"name"`
		Args                []string `json:"args"`
		Description         string   `json:"description"`
		NeedsAuthentication bool     `json:"needs_authentication"`
	}
	var out []desc
	for _, name := range h.order {
		m := h.methods[name]
		out = append(out, desc{
			Name:                m.Name,
			Args:                m.ArgNames,
			Description:         m.Description,
			NeedsAuthentication: m.NeedsAuth,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{
			Status: "exception",
			Result: exceptionBody(fmt.Errorf("malformed request body: %w", err)),
		})
		return
	}
	method, ok := h.methods[req.Method]
	if !ok {
		writeJSON(w, http.StatusNotFound, response{
			Status: "exception",
			Result: exceptionBody(fmt.Errorf("unknown method %q", req.Method)),
		})
		return
	}

	call := &Call{
		Args:     req.Args,
		Kwargs:   req.Kwargs,
		argNames: method.ArgNames,
	}
	if call.Kwargs == nil {
		call.Kwargs = map[string]any{}
	}

	if len(req.Auth) == 2 {
		user, err := h.authenticate(r.Context(), req.Auth[0], req.Auth[1])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, response{
				Status: "autherror",
				Result: map[string]string{"message": err.Error()},
			})
			return
		}
		call.User = user
	} else if method.NeedsAuth {
		writeJSON(w, http.StatusUnauthorized, response{
			Status: "autherror",
			Result: map[string]string{"message": "credentials required"},
		})
		return
	}

	result, err := method.Handler(r.Context(), call)
	if err != nil {
		h.logger.Warn("rpc method failed", zap.String("method", method.Name), zap.Error(err))
		writeJSON(w, http.StatusOK, response{Status: "exception", Result: exceptionBody(err)})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "success", Result: result})
}

// HashPassword is the credential digest stored on users.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (h *Handler) authenticate(ctx context.Context, username, password string) (*sprout.User, error) {
	user, err := h.store.GetUser(ctx, username)
	if errors.Is(err, sprout.ErrNotFound) {
		return nil, &sprout.AuthenticationError{Message: "invalid credentials"}
	}
	if err != nil {
		return nil, err
	}
	given := HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(given), []byte(user.PasswordHash)) != 1 {
		return nil, &sprout.AuthenticationError{Message: "invalid credentials"}
	}
	return user, nil
}

// exceptionBody names the error's class so callers can branch on it without
// parsing messages.
func exceptionBody(err error) map[string]string {
	class := "RuntimeError"
	var quota *sprout.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		class = "QuotaExceeded"
	case errors.Is(err, sprout.ErrNotFound):
		class = "ObjectDoesNotExist"
	}
	return map[string]string{"class": class, "message": err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
