package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/summary"
	"github.com/tsawler/go-dcvae/tensor"
)

// FieldsRequest carries gridded samples, each flattened H×W×C in row-major
// order.
type FieldsRequest struct {
	Fields [][]float32 `json:"fields"`
	// Sample draws the latent from the posterior; otherwise the mean is used.
	Sample bool `json:"sample,omitempty"`
}

// EncodeResponse holds the latent distribution of each sample
type EncodeResponse struct {
	Mean   [][]float32 `json:"mean"`
	LogVar [][]float32 `json:"log_var"`
}

// ReconstructResponse holds the generated fields and, per output channel,
// the skill of the reconstruction against the input.
type ReconstructResponse struct {
	Fields [][]float32 `json:"fields"`
	Skill  []float32   `json:"skill,omitempty"`
}

// GenerateRequest carries latent vectors to decode
type GenerateRequest struct {
	Latent [][]float32 `json:"latent"`
}

// StatisticsResponse is one stream's epoch statistics
type StatisticsResponse struct {
	RMSE    []float32 `json:"rmse"`
	LogPz   float32   `json:"logpz"`
	LogQzX  float32   `json:"logqz_x"`
	Loss    float32   `json:"loss"`
	Batches int       `json:"batches"`
}

// MetricsResponse mirrors the model's current metrics
type MetricsResponse struct {
	Channels       []string           `json:"channels"`
	Train          StatisticsResponse `json:"train"`
	Test           StatisticsResponse `json:"test"`
	Regularization float32            `json:"regularization"`
}

func statistics(s dcvae.EpochStatistics) StatisticsResponse {
	return StatisticsResponse{RMSE: s.RMSE, LogPz: s.LogPz, LogQzX: s.LogQzX, Loss: s.Loss, Batches: s.Batches}
}

func (s *Server) SpecHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.model.Specification())
}

func (s *Server) MetricsHandler(c *gin.Context) {
	m := s.model.State()
	c.JSON(http.StatusOK, MetricsResponse{
		Channels:       s.model.Specification().OutputNames,
		Train:          statistics(m.Train),
		Test:           statistics(m.Test),
		Regularization: m.Regularization,
	})
}

func (s *Server) inputFields(c *gin.Context, req *FieldsRequest) (*tensor.Tensor, bool) {
	if !bindJSON(c, req) {
		return nil, false
	}
	spec := s.model.Specification()
	x, err := stackRows(req.Fields, spec.GridHeight, spec.GridWidth, spec.NInputChannels)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return x, true
}

func (s *Server) EncodeHandler(c *gin.Context) {
	var req FieldsRequest
	x, ok := s.inputFields(c, &req)
	if !ok {
		return
	}
	mean, logVar, err := s.model.Encode(x, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, EncodeResponse{Mean: splitRows(mean), LogVar: splitRows(logVar)})
}

func (s *Server) ReconstructHandler(c *gin.Context) {
	var req FieldsRequest
	x, ok := s.inputFields(c, &req)
	if !ok {
		return
	}

	mean, logVar, err := s.model.Encode(x, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	z := mean
	if req.Sample {
		if z, err = s.model.Reparameterize(mean, logVar); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	out, err := s.model.Generate(z, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := ReconstructResponse{Fields: splitRows(out)}
	spec := s.model.Specification()
	if spec.NInputChannels == spec.NOutputChannels {
		skill, err := dcvae.FitLoss(out, x, spec.Climatology, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Skill = skill.Data
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if !bindJSON(c, &req) {
		return
	}
	z, err := stackRows(req.Latent, s.model.Specification().LatentDimension)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.model.Generate(z, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ReconstructResponse{Fields: splitRows(out)})
}

func (s *Server) RunsHandler(c *gin.Context) {
	runs, err := s.store.Runs(c.Query("model"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type run struct {
		ID        string `json:"id"`
		Model     string `json:"model"`
		StartedAt string `json:"started_at"`
	}
	out := make([]run, 0, len(runs))
	for _, r := range runs {
		out = append(out, run{ID: r.ID, Model: r.Model, StartedAt: r.StartedAt.UTC().Format("2006-01-02T15:04:05Z")})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

var errUnknownRun = errors.New("run not found")

func (s *Server) CurvesHandler(c *gin.Context) {
	id := c.Param("id")
	points, err := s.store.History(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(points) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%v: %s", errUnknownRun, id)})
		return
	}
	spec := s.model.Specification()
	switch c.DefaultQuery("kind", "loss") {
	case "loss":
		c.JSON(http.StatusOK, summary.Curves(spec.ModelName, points))
	case "skill":
		c.JSON(http.StatusOK, summary.Skill(spec.ModelName, points, spec.OutputNames))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be loss or skill"})
	}
}
