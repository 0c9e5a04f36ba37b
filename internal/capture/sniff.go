package capture

import "github.com/gabriel-vasile/mimetype"

// supportedImageTypes are the raster formats the vision model accepts.
var supportedImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// SniffImage detects the MIME type of data from its content and reports
// whether it is a supported raster format.
func SniffImage(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	mt := mimetype.Detect(data)
	for _, t := range supportedImageTypes {
		if mt.Is(t) {
			return t, true
		}
	}
	return mt.String(), false
}
