package sandbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"modforge/internal/buildtypes"
	"modforge/internal/sandbox/sandboxtest"
)

// Plausible raster dimensions for an emitted chart.
const (
	minChartDim = 16
	maxChartDim = 8192
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// validateChart checks an emitted chart artifact: the declared MIME must
// match the byte signature, raster dimensions must be plausible, and every
// declared series name must appear in the data summary.
func validateChart(c sandboxtest.Chart) []buildtypes.Finding {
	var findings []buildtypes.Finding
	fail := func(format string, args ...interface{}) {
		findings = append(findings, buildtypes.Finding{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  fmt.Sprintf("chart %q: %s", c.Name, fmt.Sprintf(format, args...)),
			FixHint:  "emit the chart with a MIME type matching its bytes and a data summary covering every declared series",
		})
	}

	switch c.MIME {
	case "image/png":
		if !bytes.HasPrefix(c.Data, pngSignature) {
			fail("declared MIME image/png but bytes lack the PNG signature")
			break
		}
		w, h, ok := pngDimensions(c.Data)
		if !ok {
			fail("PNG header is truncated")
			break
		}
		if w < minChartDim || w > maxChartDim || h < minChartDim || h > maxChartDim {
			fail("implausible dimensions %dx%d", w, h)
		}
	case "image/svg+xml":
		head := strings.TrimSpace(string(c.Data))
		if !strings.HasPrefix(head, "<svg") && !strings.HasPrefix(head, "<?xml") {
			fail("declared MIME image/svg+xml but bytes are not an SVG document")
		}
	default:
		fail("unsupported chart MIME %q", c.MIME)
	}

	for _, series := range c.Series {
		points, ok := c.Summary[series]
		if !ok {
			fail("declared series %q missing from the data summary", series)
			continue
		}
		if len(points) == 0 {
			fail("declared series %q has an empty data summary", series)
		}
	}
	return findings
}

// pngDimensions reads width and height from the IHDR chunk, which the PNG
// format pins directly after the 8-byte signature.
func pngDimensions(data []byte) (width, height uint32, ok bool) {
	// signature(8) + length(4) + "IHDR"(4) + width(4) + height(4)
	if len(data) < 24 {
		return 0, 0, false
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, false
	}
	width = binary.BigEndian.Uint32(data[16:20])
	height = binary.BigEndian.Uint32(data[20:24])
	return width, height, true
}
