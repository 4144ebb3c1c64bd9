package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/RalkeyOfficial/MediaBreaker/internal/pipeline"
	"github.com/RalkeyOfficial/MediaBreaker/internal/transcode"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	selectedStyle = cellStyle.Foreground(lipgloss.Color("#00F5D4"))
)

// printQualities lists the variants of a master playlist, marking the one
// the current preference selects.
func printQualities(w io.Writer, rs *pipeline.ResolvedSource) error {
	if len(rs.Variants) == 0 {
		_, err := fmt.Fprintf(w, "%s is a media playlist with a single quality\n", rs.PlaylistURL)
		return err
	}

	selected := -1
	if rs.Selected != nil {
		selected = rs.Selected.Index
	}

	rows := make([][]string, 0, len(rs.Variants))
	for _, v := range rs.Variants {
		mark := ""
		if v.Index == selected {
			mark = "*"
		}
		resolution := "-"
		if v.Resolution != nil {
			resolution = v.Resolution.String()
		}
		frameRate := "-"
		if v.FrameRate > 0 {
			frameRate = strconv.FormatFloat(v.FrameRate, 'f', -1, 64)
		}
		codecs := v.Codecs
		if codecs == "" {
			codecs = "-"
		}
		rows = append(rows, []string{
			mark,
			strconv.Itoa(v.Index),
			resolution,
			fmt.Sprintf("%.2f Mbps", float64(v.Bandwidth)/1_000_000),
			frameRate,
			codecs,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "#", "RESOLUTION", "BANDWIDTH", "FPS", "CODECS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(rows) && rows[row][0] == "*":
				return selectedStyle
			}
			return cellStyle
		})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// printInfo writes the resolved source as indented JSON.
func printInfo(w io.Writer, rs *pipeline.ResolvedSource) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rs)
}

// printPlan describes what a run would do without starting ffmpeg.
func printPlan(w io.Writer, rs *pipeline.ResolvedSource, outputPath string, mode transcode.Mode) error {
	md := rs.Metadata
	_, err := fmt.Fprintf(w, "playlist:   %s\noutput:     %s\nmode:       %s\nsegments:   %d (%s)\nencryption: %s\n",
		rs.PlaylistURL,
		outputPath,
		mode,
		md.Segments.TotalSegments,
		md.Segments.TotalDuration,
		md.Encryption.Method,
	)
	return err
}
