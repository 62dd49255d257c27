package tui

import (
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"
)

var (
	roundTripBarStyle = lipgloss.NewStyle().Foreground(ColorBlue).Background(ColorBlue)
	slowBarStyle      = lipgloss.NewStyle().Foreground(ColorAmber).Background(ColorAmber)
	emptyBarStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("236")).Background(lipgloss.Color("236"))
)

// renderRoundTripChart draws recent round-trip times as one bar per
// response, newest on the right. Bars at or above slow are highlighted.
func renderRoundTripChart(samples []time.Duration, slow time.Duration, width, height int) string {
	if width < 10 {
		width = 10
	}
	if height < 3 {
		height = 3
	}
	chartHeight := height - 1 // legend line

	maxBars := width / 2
	start := 0
	if len(samples) > maxBars {
		start = len(samples) - maxBars
	}
	visible := samples[start:]

	bc := barchart.New(width, chartHeight,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(1),
		barchart.WithNoAxis(),
	)

	for i := len(visible); i < maxBars; i++ {
		bc.Push(barchart.BarData{
			Values: []barchart.BarValue{{Name: "EMPTY", Value: 0, Style: emptyBarStyle}},
		})
	}
	for _, d := range visible {
		style := roundTripBarStyle
		if slow > 0 && d >= slow {
			style = slowBarStyle
		}
		bc.Push(barchart.BarData{
			Values: []barchart.BarValue{{Name: "RTT", Value: float64(d.Milliseconds()), Style: style}},
		})
	}

	bc.Draw()

	legend := dimStyle.Render("round trip: no responses yet")
	if n := len(samples); n > 0 {
		var total time.Duration
		peak := samples[0]
		for _, d := range samples {
			total += d
			peak = max(peak, d)
		}
		legend = dimStyle.Render(fmt.Sprintf("round trip last %s  avg %s  max %s",
			fmtMillis(samples[n-1]), fmtMillis(total/time.Duration(n)), fmtMillis(peak)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, bc.View(), legend)
}

func fmtMillis(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
