// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"personabot/pkg/engine"
	"personabot/pkg/persona"
)

// Responder produces replies. *engine.Engine implements it.
type Responder interface {
	Respond(ctx context.Context, req engine.Request) engine.Response
}

type PredictRequest struct {
	Text     string   `json:"text"`
	Mode     string   `json:"mode"`
	UserData UserData `json:"userData"`
	Image    string   `json:"image,omitempty"`
}

type UserData struct {
	Name   string `json:"name"`
	Gender string `json:"gender"`

	// Age arrives as a number or a string depending on the client.
	Age any `json:"age"`
}

type PredictResponse struct {
	Response  string `json:"response"`
	Mode      string `json:"mode"`
	Backend   string `json:"backend"`
	RequestID string `json:"request_id"`
}

type Server struct {
	responder Responder
	logger    *zap.Logger
	router    *gin.Engine
}

func New(responder Responder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{responder: responder, logger: logger.Named("server")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/modes", s.ModesHandler)
	r.POST("/predict", s.PredictHandler)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) PredictHandler(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile := persona.Profile{
		Name:   req.UserData.Name,
		Gender: persona.ParseGender(req.UserData.Gender),
		Age:    persona.ParseAge(req.UserData.Age),
	}

	resp := s.responder.Respond(c.Request.Context(), engine.Request{
		Text:    req.Text,
		Mode:    req.Mode,
		Profile: profile,
		Image:   req.Image,
	})

	c.JSON(http.StatusOK, PredictResponse{
		Response:  resp.Reply,
		Mode:      string(resp.Mode),
		Backend:   string(resp.Backend),
		RequestID: resp.RequestID,
	})
}

func (s *Server) ModesHandler(c *gin.Context) {
	modes := make([]gin.H, 0, len(persona.Modes))
	for _, m := range persona.Modes {
		spec := persona.Lookup(m)
		modes = append(modes, gin.H{"mode": m, "slot": spec.Slot})
	}
	c.JSON(http.StatusOK, gin.H{"modes": modes})
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
