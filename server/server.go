// Package server exposes a trained model over HTTP so downstream tools can
// map fields into the latent space and back.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/envconfig"
	"github.com/tsawler/go-dcvae/summary"
	"github.com/tsawler/go-dcvae/tensor"
)

var mode string = gin.ReleaseMode

func init() {
	gin.SetMode(mode)
}

// Server holds the model being served and, optionally, the metrics store of
// its training runs.
type Server struct {
	model *dcvae.Model
	store *summary.Store
	log   *logrus.Logger
}

// New creates a server for model. store may be nil, which disables the
// run history routes.
func New(model *dcvae.Model, store *summary.Store) *Server {
	return &Server{model: model, store: store, log: model.Logger()}
}

// GenerateRoutes builds the HTTP router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), cors.New(corsConfig), s.requestLogger())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "dcvae is running") })
	r.GET("/api/spec", s.SpecHandler)
	r.GET("/api/metrics", s.MetricsHandler)
	r.POST("/api/encode", s.EncodeHandler)
	r.POST("/api/reconstruct", s.ReconstructHandler)
	r.POST("/api/generate", s.GenerateHandler)

	if s.store != nil {
		r.GET("/api/runs", s.RunsHandler)
		r.GET("/api/runs/:id/curves", s.CurvesHandler)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

// Serve answers requests on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.GenerateRoutes(), ReadHeaderTimeout: 10 * time.Second}
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// bindJSON decodes the request body, aborting with 400 on failure
func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	switch {
	case errors.Is(err, io.EOF):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return false
	case err != nil:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// stackRows builds an N×shape tensor from rows of flattened samples
func stackRows(rows [][]float32, shape ...int) (*tensor.Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("no samples given")
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, 0, len(rows)*size)
	for i, r := range rows {
		if len(r) != size {
			return nil, fmt.Errorf("sample %d has %d values, want %d (%v)", i, len(r), size, shape)
		}
		data = append(data, r...)
	}
	return tensor.NewTensor(append([]int{len(rows)}, shape...), data)
}

// splitRows is the inverse of stackRows
func splitRows(t *tensor.Tensor) [][]float32 {
	n := t.Shape[0]
	size := t.NumElems / n
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = append([]float32(nil), t.Data[i*size:(i+1)*size]...)
	}
	return rows
}
