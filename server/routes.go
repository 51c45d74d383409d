// Package server carries bridge commands over HTTP. Every request runs on
// one shared session, one command at a time.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/tsawler/go-netbridge/bridge"
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
)

// CommandRequest is the body of POST /api/command. Args are host values in
// their JSON form; bare strings and numbers are accepted as shorthand.
type CommandRequest struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
	Nout int               `json:"nout,omitempty"`
}

type CommandResponse struct {
	Outputs []json.RawMessage `json:"outputs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type StatusResponse struct {
	Session     string   `json:"session"`
	Initialized bool     `json:"initialized"`
	Token       int64    `json:"token"`
	Mode        string   `json:"mode"`
	Phase       string   `json:"phase"`
	Device      int      `json:"device"`
	NumDevices  int      `json:"num_devices"`
	Engines     []string `json:"engines"`

	// Scratch pool usage keyed by pool capacity in elements
	Scratch map[int]string `json:"scratch,omitempty"`
}

type Server struct {
	mu      sync.Mutex
	session *bridge.Session
}

func NewServer(session *bridge.Session) *Server {
	return &Server{session: session}
}

// GenerateRoutes builds the HTTP router
func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "netbridge is running") })
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "netbridge is running") })

	r.GET("/api/commands", s.CommandsHandler)
	r.GET("/api/status", s.StatusHandler)
	r.POST("/api/command", s.CommandHandler)

	return r
}

func (s *Server) CommandsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": bridge.Commands()})
}

func (s *Server) StatusHandler(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.JSON(http.StatusOK, StatusResponse{
		Session:     s.session.ID(),
		Initialized: s.session.Initialized(),
		Token:       s.session.Token(),
		Mode:        s.session.Mode().String(),
		Phase:       s.session.Phase().String(),
		Device:      s.session.Device(),
		NumDevices:  s.session.NumDevices(),
		Engines:     engine.Engines(),
		Scratch:     s.session.Scratch().Stats(),
	})
}

func (s *Server) CommandHandler(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	args := make([]host.Value, 0, len(req.Args)+1)
	if req.Name != "" {
		args = append(args, host.String(req.Name))
	}
	for i, raw := range req.Args {
		v, err := host.UnmarshalValue(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("argument %d: %v", i, err)})
			return
		}
		args = append(args, v)
	}

	s.mu.Lock()
	out, err := s.session.Dispatch(args, req.Nout)
	s.mu.Unlock()
	if err != nil {
		status, kind := statusFor(err)
		c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}

	resp := CommandResponse{Outputs: make([]json.RawMessage, 0, len(out))}
	for _, v := range out {
		raw, err := host.MarshalValue(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		resp.Outputs = append(resp.Outputs, raw)
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) (int, string) {
	var be *bridge.Error
	if !errors.As(err, &be) {
		return http.StatusInternalServerError, ""
	}
	switch be.Kind {
	case bridge.KindIO:
		return http.StatusUnprocessableEntity, be.Kind.String()
	case bridge.KindInternal:
		return http.StatusInternalServerError, be.Kind.String()
	}
	if errors.Is(err, bridge.ErrNotInitialized) {
		return http.StatusConflict, be.Kind.String()
	}
	return http.StatusBadRequest, be.Kind.String()
}

// Serve runs the HTTP server on ln until ctx is done
func Serve(ctx context.Context, ln net.Listener, session *bridge.Session) error {
	s := NewServer(session)
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	go func() {
		<-ctx.Done()
		srvr.Close()
	}()

	slog.Info("Listening on " + ln.Addr().String())
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
