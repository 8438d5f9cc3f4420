// Package routes wires the controller's HTTP surface: signed /v1 endpoints,
// the judger websocket upgrade, metrics, and health.
package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hengoj/heng/internal/controller/auth"
	"github.com/hengoj/heng/internal/controller/external"
	"github.com/hengoj/heng/internal/controller/judgerd"
	"github.com/hengoj/heng/internal/metrics"
	"github.com/hengoj/heng/internal/protocol"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// judgers are authenticated by request signature, not origin
	CheckOrigin: func(*http.Request) bool { return true },
}

type Router struct {
	judgers  *judgerd.Module
	external *external.Module
	auth     *auth.Module
}

func New(judgers *judgerd.Module, ext *external.Module, authModule *auth.Module) *Router {
	return &Router{judgers: judgers, external: ext, auth: authModule}
}

// Handler builds the mux router.
func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(rt.signatureMiddleware)
	v1.HandleFunc("/judgers/token", rt.acquireToken).Methods(http.MethodPost)
	v1.HandleFunc("/judgers/websocket", rt.judgerWebsocket).Methods(http.MethodGet)
	v1.HandleFunc("/judgers", rt.listJudgers).Methods(http.MethodGet)
	v1.HandleFunc("/judges", rt.createJudge).Methods(http.MethodPost)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}).Methods(http.MethodGet)

	return r
}

func writeError(w http.ResponseWriter, code protocol.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	json.NewEncoder(w).Encode(protocol.ErrorInfo{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// signatureMiddleware verifies the HMAC signature of every /v1 request,
// buffering the body so handlers can re-read it.
func (rt *Router) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, protocol.ErrInvalidRequest, "unreadable body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, protocol.ErrInvalidRequest, "body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		accessKey := r.Header.Get(protocol.HeaderAccessKey)
		signature := r.Header.Get(protocol.HeaderSignature)
		if accessKey == "" || signature == "" {
			writeError(w, protocol.ErrSignatureMismatch, "missing signature headers")
			return
		}

		_, secret, err := rt.auth.Lookup(r.Context(), accessKey)
		if err != nil {
			writeError(w, protocol.ErrUnknownError, "auth lookup failed")
			return
		}
		if secret == "" {
			writeError(w, protocol.ErrSignatureMismatch, "unknown access key")
			return
		}

		if !protocol.VerifySignature(r.Method, r.URL.Path, r.URL.RawQuery, r.Header, body, secret, signature) {
			writeError(w, protocol.ErrSignatureMismatch, "signature mismatch")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// POST /v1/judgers/token
func (rt *Router) acquireToken(w http.ResponseWriter, r *http.Request) {
	var req protocol.AcquireTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.ErrInvalidRequest, "bad json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, protocol.ErrInvalidRequest, err.Error())
		return
	}

	token := rt.judgers.Register(judgerd.Info{
		MaxTaskCount: req.MaxTaskCount,
		Name:         req.Name,
		CoreCount:    req.CoreCount,
		Software:     req.Software,
	})
	writeJSON(w, http.StatusOK, protocol.AcquireTokenOutput{Token: token})
}

// GET /v1/judgers/websocket?token=<t>
func (rt *Router) judgerWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, protocol.ErrInvalidRequest, "missing token")
		return
	}

	// reject before upgrading so the worker sees the error code
	j := rt.judgers.Find(token)
	if j == nil {
		writeError(w, protocol.ErrNotRegistered, "")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := rt.judgers.Attach(token, conn); err != nil {
		slog.Warn("judger attach failed", "token", token[:8], "error", err)
		code := websocket.ClosePolicyViolation
		reason := "already connected"
		if errors.Is(err, judgerd.ErrNotRegistered) {
			reason = "not registered"
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		conn.Close()
	}
}

// GET /v1/judgers
func (rt *Router) listJudgers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.judgers.Snapshot())
}

// POST /v1/judges
func (rt *Router) createJudge(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateJudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.ErrInvalidRequest, "bad json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, protocol.ErrInvalidRequest, err.Error())
		return
	}

	taskID := uuid.New().String()
	if err := rt.external.SaveJudge(r.Context(), taskID, &req); err != nil {
		writeError(w, protocol.ErrUnknownError, "persist failed")
		return
	}

	task := &judgerd.Task{
		ID: taskID,
		Args: &protocol.CreateJudgeArgs{
			ID:           taskID,
			Data:         req.Data,
			DynamicFiles: req.DynamicFiles,
			Judge:        req.Judge,
			Test:         req.Test,
		},
		OnUpdate: func(state protocol.JudgeState) {
			slog.Debug("judge update", "task", taskID, "state", state)
			postCallback(req.CallbackURLs.Update, map[string]any{"id": taskID, "state": state})
		},
		OnFinish: func(result *protocol.JudgeResult) {
			slog.Info("judge finished", "task", taskID)
			if err := rt.external.RemoveJudge(context.Background(), taskID); err != nil {
				slog.Warn("remove judge from durable queue failed", "task", taskID, "error", err)
			}
			postCallback(req.CallbackURLs.Finish, map[string]any{"id": taskID, "result": result})
		},
	}

	// dispatch outlives the request
	go func() {
		if err := rt.judgers.Schedule(context.Background(), task); err != nil {
			slog.Error("schedule failed", "task", taskID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, struct{}{})
}

// postCallback best-effort delivers a callback payload; delivery failures
// are logged, never retried here.
func postCallback(url string, payload any) {
	if url == "" {
		return
	}
	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			return
		}
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			slog.Warn("callback delivery failed", "url", url, "error", err)
			return
		}
		resp.Body.Close()
	}()
}
