package grid

import (
	"fmt"
	"io"
	"strings"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// Glyphs used by TextRenderer.
const (
	GlyphUnknown  = '.'
	GlyphFound    = '#'
	GlyphNotFound = 'x'
)

// TextRenderer writes the matrix as one line of glyphs per row.
type TextRenderer struct {
	w io.Writer
}

// NewTextRenderer returns a renderer writing to w.
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w}
}

func (r *TextRenderer) Render(snap model.GridSnapshot) {
	fmt.Fprintf(r.w, "grid v%d (%d found, %d not found)\n%s",
		snap.Version, snap.Count(model.CellFound), snap.Count(model.CellNotFound), Format(snap))
}

// Format renders the snapshot rows as glyph lines.
func Format(snap model.GridSnapshot) string {
	var b strings.Builder
	for _, row := range snap.Cells {
		for _, c := range row {
			b.WriteRune(Glyph(c))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Glyph returns the character for a cell status.
func Glyph(s model.CellStatus) rune {
	switch s {
	case model.CellFound:
		return GlyphFound
	case model.CellNotFound:
		return GlyphNotFound
	default:
		return GlyphUnknown
	}
}
