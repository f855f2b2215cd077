package summary

import (
	"fmt"
	"strings"
	"time"
)

// PlotType names the kind of chart a PlotData describes
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
	ChannelSkill   PlotType = "channel_skill"
)

// PlotData is a renderer-agnostic JSON description of a chart
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData is one line of a chart
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"`
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (epoch, value) sample
type DataPoint struct {
	X int     `json:"x"`
	Y float32 `json:"y"`
}

// PlotConfig holds axis labels and layout hints
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

var curveStyles = map[string]map[string]interface{}{
	"Train": {"color": "#FF6B6B", "line_width": 2},
	"Test":  {"color": "#FF9F43", "line_width": 2, "line_style": "dashed"},
}

// Curves turns the recorded scalar metrics (loss, logpz, logqz_x,
// regularization) into one line per metric over epochs. The store does not
// keep whether a point was a vector, so skill vectors are excluded by name:
// a single-channel RMSE looks like a scalar.
func Curves(model string, points []Point) PlotData {
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", model),
		Timestamp: time.Now(),
		ModelName: model,
		Series:    series(points, func(p Point) bool { return !isSkill(p) }, nil),
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			YAxisScale: "linear",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
}

// Skill plots the per-channel reconstruction skill, one line per channel
// and stream. channels labels the vector elements.
func Skill(model string, points []Point, channels []string) PlotData {
	return PlotData{
		PlotType:  ChannelSkill,
		Title:     fmt.Sprintf("Reconstruction Skill - %s", model),
		Timestamp: time.Now(),
		ModelName: model,
		Series:    series(points, isSkill, channels),
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Skill relative to climatology",
			YAxisScale: "log",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
}

func isSkill(p Point) bool { return strings.HasSuffix(p.Name, "_RMSE") }

// series groups points into lines in first-seen order. Vector points give
// one line per element.
func series(points []Point, keep func(Point) bool, channels []string) []SeriesData {
	var out []SeriesData
	index := make(map[string]int)
	for _, p := range points {
		if !keep(p) {
			continue
		}
		for i, v := range p.Values {
			name := p.Name
			if len(p.Values) > 1 || channels != nil {
				if i < len(channels) {
					name = fmt.Sprintf("%s %s", p.Name, channels[i])
				} else {
					name = fmt.Sprintf("%s[%d]", p.Name, i)
				}
			}
			k, ok := index[name]
			if !ok {
				k = len(out)
				index[name] = k
				stream, _, _ := strings.Cut(p.Name, "_")
				out = append(out, SeriesData{Name: name, Type: "line", Style: curveStyles[stream]})
			}
			out[k].Data = append(out[k].Data, DataPoint{X: p.Epoch, Y: v})
		}
	}
	return out
}
