// Package ocr orchestrates text extraction from scanned PDFs: a cheap
// text-layer read first, then an image-preprocessing + recognition fallback
// across a small grid of render/segmentation parameters scored for quality.
package ocr

import "context"

// TextReader reads the embedded text layer of a PDF.
type TextReader interface {
	// PageText returns the text of one page (1-based). Failures on a single
	// page are not fatal to a document read; callers treat them as empty
	// contributions.
	PageText(ctx context.Context, path string, page int) (string, error)

	// PageCount returns the number of pages. On failure it returns 1 and the
	// error, so callers can still attempt a single-page read.
	PageCount(ctx context.Context, path string) (int, error)
}

// PageRenderer rasterizes one PDF page (1-based) to a PNG on disk at the
// given DPI and returns the image path.
type PageRenderer interface {
	RenderPage(ctx context.Context, path string, page, dpi int) (string, error)
}

// Recognizer runs character recognition over a rendered page image.
type Recognizer interface {
	// Recognize returns the recognized text for the image using the given
	// page-segmentation mode and language.
	Recognize(ctx context.Context, imagePath string, psm int, lang string) (string, error)

	// Available reports whether the engine can run at all (executable found).
	Available() bool
}
