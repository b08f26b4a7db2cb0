// Package rpc exposes the engine over a line-delimited JSON-RPC transport
// for local runners that speak a pipe or socket instead of HTTP.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/repo"
)

// Request is one line on the wire. A missing id marks a notification: the
// request is processed but no response line is written.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// UnknownOperationError indicates a method not in the dispatch table.
type UnknownOperationError struct {
	Method string
}

func (e UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Method)
}

// InvalidArgumentsError indicates params that failed to decode or validate.
type InvalidArgumentsError struct {
	Method string
	Reason string
}

func (e InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Method, e.Reason)
}

// Server dispatches line JSON-RPC requests onto the engine.
type Server struct {
	Engine engine.Engine
	Auth   *auth.Service
}

func NewServer(e engine.Engine, svc *auth.Service) *Server {
	return &Server{Engine: e, Auth: svc}
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes one connection line by line. Protocol-level failures
// (unreadable JSON with no id) drop the line; engine errors become error
// responses; only transport errors end the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			if resp := malformedResponse([]byte(line), err); resp != nil {
				if werr := enc.Encode(resp); werr != nil {
					return
				}
			}
			continue
		}
		resp := s.Handle(ctx, req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("rpc: read connection: %v", err)
	}
}

// malformedResponse tries to salvage an id from an unparseable line so the
// caller still gets an error response. Without an id there is no one to
// answer.
func malformedResponse(line []byte, cause error) *Response {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || len(probe.ID) == 0 {
		return nil
	}
	return &Response{
		ID:    probe.ID,
		Error: &ErrorBody{Code: "invalid_arguments", Message: cause.Error()},
	}
}

// Handle dispatches one request. Notifications return nil.
func (s *Server) Handle(ctx context.Context, req Request) *Response {
	result, err := s.dispatch(ctx, req.Method, req.Params)
	if len(req.ID) == 0 {
		return nil
	}
	if err != nil {
		return &Response{ID: req.ID, Error: errorBody(err)}
	}
	return &Response{ID: req.ID, Result: result}
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: "internal_error", Message: err.Error()}
	var unknown UnknownOperationError
	var invalid InvalidArgumentsError
	var sv engine.InvalidStatusValueError
	var st engine.InvalidStatusTransitionError
	var dep engine.DependencyNotCompleteError
	var unavail engine.ResourceUnavailableError
	var locked engine.ResourceLockedError
	var accepted engine.AlreadyAcceptedError
	var addressed engine.NotAddressedToCallerError
	var unauthorized engine.NotAuthorizedError
	var creds auth.InvalidCredentialsError
	var expired auth.SessionExpiredError
	switch {
	case errors.As(err, &unknown):
		body.Code = "unknown_operation"
	case errors.As(err, &invalid):
		body.Code = "invalid_arguments"
	case errors.As(err, &sv):
		body.Code = "invalid_status"
	case errors.As(err, &st):
		body.Code = "invalid_transition"
		body.Details = map[string]any{"from": st.From, "to": st.To}
	case errors.As(err, &dep):
		body.Code = "dependency_not_complete"
		body.Details = map[string]any{"blocking": dep.Blocking}
	case errors.As(err, &unavail):
		body.Code = "resource_unavailable"
		body.Details = map[string]any{"agent_id": unavail.AgentID}
	case errors.As(err, &locked):
		body.Code = "resource_locked"
		body.Details = map[string]any{"audit_id": locked.AuditID}
	case errors.As(err, &accepted):
		body.Code = "already_accepted"
	case errors.As(err, &addressed), errors.As(err, &unauthorized):
		body.Code = "forbidden"
	case errors.As(err, &creds):
		body.Code = "invalid_credentials"
	case errors.As(err, &expired):
		body.Code = "session_expired"
	case errors.Is(err, auth.ErrSessionNotFound):
		body.Code = "unauthorized"
	case errors.Is(err, repo.ErrNotFound):
		body.Code = "not_found"
	case strings.Contains(strings.ToLower(err.Error()), "required"),
		strings.Contains(strings.ToLower(err.Error()), "invalid"):
		body.Code = "invalid_arguments"
	}
	return body
}

func decodeParams(method string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return InvalidArgumentsError{Method: method, Reason: err.Error()}
	}
	return nil
}

// callerParams are the auth fields every authenticated method carries. A
// session token outranks a bare agent id.
type callerParams struct {
	AgentID      string `json:"agent_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

func (s *Server) resolveCaller(ctx context.Context, method string, c callerParams) (string, error) {
	if c.SessionToken != "" {
		return s.Auth.ValidateSession(ctx, c.SessionToken)
	}
	if c.AgentID == "" {
		return "", InvalidArgumentsError{Method: method, Reason: "agent_id or session_token required"}
	}
	if _, err := s.Engine.Repo.GetAgent(ctx, c.AgentID); err != nil {
		return "", err
	}
	return c.AgentID, nil
}
