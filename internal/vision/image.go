package vision

import (
	"encoding/base64"
	"errors"
	"strings"

	"gocv.io/x/gocv"
)

// ErrInvalidImage marks a payload that could not be decoded into an image.
var ErrInvalidImage = errors.New("vision: invalid image payload")

// DecodeDataURL decodes a base64 data-URL string into a BGR image.
// The caller owns the returned Mat and must Close it.
func DecodeDataURL(dataURL string) (gocv.Mat, error) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return gocv.Mat{}, ErrInvalidImage
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[idx+1:])
	if err != nil {
		return gocv.Mat{}, ErrInvalidImage
	}
	return DecodeImage(raw)
}

// DecodeImage decodes raw encoded image bytes (JPEG, PNG, ...) into a BGR
// image. The caller owns the returned Mat.
func DecodeImage(raw []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil || img.Empty() {
		if err == nil {
			img.Close()
		}
		return gocv.Mat{}, ErrInvalidImage
	}
	return img, nil
}

// Grayscale converts a BGR image to an equalized grayscale image, the input
// space for both detection and matching.
func Grayscale(bgr gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)
	return gray
}
