package training

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/tsawler/go-dcvae/layers"
)

// ProgressBar draws a single-line batch progress bar with running metrics
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float32
}

// NewProgressBar creates a progress bar over total steps writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float32),
	}
}

// Update advances the bar to step and replaces the shown metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float32) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish fills the bar and ends the line
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fraction := 1.0
	if pb.total > 0 {
		fraction = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(fraction * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if fraction > 0 {
		eta = time.Duration(float64(elapsed)/fraction) - elapsed
	}

	var line strings.Builder
	fmt.Fprintf(&line, "\r%s: %3.0f%%|%s| %d/%d [%s<%s", pb.description, fraction*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if pb.current > 0 && elapsed > 0 {
		fmt.Fprintf(&line, ", %.2fbatch/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&line, ", %s=%.3f", k, pb.metrics[k])
	}
	line.WriteString("]")
	io.WriteString(pb.out, line.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes one line per layer of each model, then the
// parameter totals.
func PrintArchitecture(w io.Writer, name string, models ...*layers.ModelSpec) {
	var total int64
	fmt.Fprintf(w, "%s(\n", name)
	for _, m := range models {
		for _, l := range m.Layers {
			fmt.Fprintf(w, "  %s\n", formatLayer(l))
		}
		total += m.TotalParameters
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(total*4)/1024/1024)
}

func formatLayer(l layers.LayerSpec) string {
	p := l.Parameters
	act := ""
	if a, _ := p["activation"].(string); a != "" {
		act = ", activation=" + a
	}
	switch l.Type {
	case layers.Conv2D:
		k, s := intParam(p, "kernel_size"), intParam(p, "stride")
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=same%s) -> %v",
			l.Name, l.InputShape[len(l.InputShape)-1], intParam(p, "output_channels"), k, k, s, s, act, l.OutputShape[1:])
	case layers.Conv2DTranspose:
		k, s := intParam(p, "kernel_size"), intParam(p, "stride")
		return fmt.Sprintf("(%s): ConvTranspose2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), output_padding=(%d, %d)%s) -> %v",
			l.Name, l.InputShape[len(l.InputShape)-1], intParam(p, "output_channels"), k, k, s, s,
			intParam(p, "output_padding_h"), intParam(p, "output_padding_w"), act, l.OutputShape[1:])
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d%s)",
			l.Name, product(l.InputShape[1:]), intParam(p, "output_size"), act)
	default:
		return fmt.Sprintf("(%s): %s() -> %v", l.Name, l.Type, l.OutputShape[1:])
	}
}

// intParam reads an integer layer parameter, as compiled or as decoded
// from JSON
func intParam(p map[string]interface{}, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
