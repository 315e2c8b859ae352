package overlay

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

var strokeColors = map[Category]string{
	CategoryVegetation: "lime",
	CategoryCable:      "cyan",
	CategoryOther:      "orange",
}

func StrokeColor(c Category) string {
	if color, ok := strokeColors[c]; ok {
		return color
	}
	return strokeColors[CategoryOther]
}

// ToSVG renders polygons as a standalone SVG document whose viewBox is the
// declared canvas, so it can be stretched over the image element.
func ToSVG(canvas CanvasSize, polygons []DisplayPolygon) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" preserveAspectRatio="xMidYMid meet">`,
		canvas.Width, canvas.Height)

	for _, p := range polygons {
		pairs := make([]string, len(p.Points))
		for i, pt := range p.Points {
			pairs[i] = formatFloat(pt.X) + "," + formatFloat(pt.Y)
		}
		fmt.Fprintf(&b, `<polygon points="%s" fill="none" stroke="%s" stroke-width="3" opacity="0.8"><title>%s</title></polygon>`,
			strings.Join(pairs, " "), StrokeColor(p.Category), html.EscapeString(p.Label))
	}

	b.WriteString("</svg>")
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
