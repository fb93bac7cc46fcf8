package raster

// Window is a pixel-space region of a raster.
type Window struct {
	Col, Row      int
	Width, Height int
}

// TileWindows splits a raster into row-major tiles, clipping the last
// column and row to the raster bounds.
func TileWindows(width, height, tileWidth, tileHeight int) []Window {
	if tileWidth <= 0 || tileHeight <= 0 {
		return []Window{{Col: 0, Row: 0, Width: width, Height: height}}
	}
	var wins []Window
	for row := 0; row < height; row += tileHeight {
		h := tileHeight
		if row+h > height {
			h = height - row
		}
		for col := 0; col < width; col += tileWidth {
			w := tileWidth
			if col+w > width {
				w = width - col
			}
			wins = append(wins, Window{Col: col, Row: row, Width: w, Height: h})
		}
	}
	return wins
}

// TileTransform shifts a geotransform's origin to the window's top
// left pixel, keeping scale and rotation terms.
func TileTransform(gt [6]float64, w Window) [6]float64 {
	out := gt
	out[0] = gt[0] + float64(w.Col)*gt[1] + float64(w.Row)*gt[2]
	out[3] = gt[3] + float64(w.Col)*gt[4] + float64(w.Row)*gt[5]
	return out
}
