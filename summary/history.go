package summary

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// RenderHistory prints one row per epoch and one column per metric. Vector
// metrics get one column per element, labelled name[i] or by the matching
// channel name when channels is given.
func RenderHistory(w io.Writer, points []Point, channels []string) {
	type column struct {
		name string
		idx  int
	}

	var (
		columns []column
		seen    = make(map[column]bool)
		cells   = make(map[int]map[column]float32)
		epochs  []int
	)
	for _, p := range points {
		if cells[p.Epoch] == nil {
			cells[p.Epoch] = make(map[column]float32)
			epochs = append(epochs, p.Epoch)
		}
		for i, v := range p.Values {
			c := column{p.Name, i}
			if len(p.Values) == 1 {
				c.idx = -1
			}
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
			cells[p.Epoch][c] = v
		}
	}
	sort.Ints(epochs)

	header := []string{"EPOCH"}
	for _, c := range columns {
		switch {
		case c.idx < 0:
			header = append(header, c.name)
		case c.idx < len(channels):
			header = append(header, c.name+" "+channels[c.idx])
		default:
			header = append(header, fmt.Sprintf("%s[%d]", c.name, c.idx))
		}
	}

	var data [][]string
	for _, e := range epochs {
		row := []string{strconv.Itoa(e)}
		for _, c := range columns {
			if v, ok := cells[e][c]; ok {
				row = append(row, strconv.FormatFloat(float64(v), 'f', 3, 32))
			} else {
				row = append(row, "-")
			}
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.AppendBulk(data)
	table.Render()
}
