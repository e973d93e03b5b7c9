package resizer

import "image"

// thumbnail calculates new width and height preserving original aspect ratio, both
// dimensions fit into max ones. Non-positive max value means no limit for the dimension.
// If the current width and height are less than the max ones, it will return
// shouldResize = false: images are never upscaled.
//
// This function is based on [github.com/nfnt/resize.Thumbnail].
func thumbnail(bounds image.Rectangle, maxWidth, maxHeight int) (newWidth, newHeight int, shouldResize bool) {
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	if maxWidth <= 0 {
		maxWidth = origWidth
	}
	if maxHeight <= 0 {
		maxHeight = origHeight
	}

	// Resizing is not required.
	if maxWidth >= origWidth && maxHeight >= origHeight {
		return 0, 0, false
	}

	newWidth, newHeight = origWidth, origHeight

	// Preserve aspect ratio. The height can still be too large after fitting the width.
	if newWidth > maxWidth {
		newHeight = max(1, newHeight*maxWidth/newWidth)
		newWidth = maxWidth
	}
	if newHeight > maxHeight {
		newWidth = max(1, newWidth*maxHeight/newHeight)
		newHeight = maxHeight
	}

	return newWidth, newHeight, true
}
