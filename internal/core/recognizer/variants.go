package recognizer

import (
	"image"

	"facewatch/internal/core/models"

	"gocv.io/x/gocv"
)

// Padding ratios for the inference-time crop sweep. Multiple paddings around
// the same detection average out small detector box errors.
var paddingRatios = []float64{0.08, 0.12, 0.16}

const (
	// normalizedSize is the square side length of every matcher input.
	normalizedSize = 200
	// trainingPadding is the single padding used for training crops, so the
	// stored model sees consistent framing.
	trainingPadding = 0.10

	claheClipLimit  = 2.0
	sharpenStrength = 0.15
)

// Variant is one padded, normalized rendering of a detected face.
// The caller owns Image and must Close it.
type Variant struct {
	Image gocv.Mat
	BBox  models.FaceRegion
}

// GenerateVariants produces one normalized crop per padding ratio from the
// largest detected region. Detections other than the largest are discarded:
// only one identity per image is ever considered. An empty slice means no
// face was found and must be treated as a terminal "no face" outcome.
func GenerateVariants(gray gocv.Mat, regions []models.FaceRegion) []Variant {
	if len(regions) == 0 {
		return nil
	}
	face := largestRegion(regions)

	variants := make([]Variant, 0, len(paddingRatios))
	for _, ratio := range paddingRatios {
		bbox := paddedRegion(face, ratio, gray.Cols(), gray.Rows())
		variants = append(variants, Variant{
			Image: normalizeCrop(gray, bbox),
			BBox:  bbox,
		})
	}
	return variants
}

// NormalizeFace produces the single training-time crop for the largest
// region: same normalization pipeline as inference, one fixed padding.
func NormalizeFace(gray gocv.Mat, region models.FaceRegion) gocv.Mat {
	bbox := paddedRegion(region, trainingPadding, gray.Cols(), gray.Rows())
	return normalizeCrop(gray, bbox)
}

// CloseVariants releases the Mats held by a variant slice.
func CloseVariants(variants []Variant) {
	for i := range variants {
		variants[i].Image.Close()
	}
}

func largestRegion(regions []models.FaceRegion) models.FaceRegion {
	best := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best
}

// paddedRegion expands a region by ratio on every side, clamped to the image
// bounds.
func paddedRegion(r models.FaceRegion, ratio float64, cols, rows int) models.FaceRegion {
	padX := int(ratio * float64(r.W))
	padY := int(ratio * float64(r.H))
	x0 := max(0, r.X-padX)
	y0 := max(0, r.Y-padY)
	x1 := min(cols, r.X+r.W+padX)
	y1 := min(rows, r.Y+r.H+padY)
	return models.FaceRegion{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// normalizeCrop crops bbox out of gray, resizes to the normalized square and
// applies local contrast enhancement, a mild denoise and an unsharp-mask
// sharpening step for matcher stability.
func normalizeCrop(gray gocv.Mat, bbox models.FaceRegion) gocv.Mat {
	roi := gray.Region(image.Rect(bbox.X, bbox.Y, bbox.X+bbox.W, bbox.Y+bbox.H))
	defer roi.Close()

	face := gocv.NewMat()
	gocv.Resize(roi, &face, image.Pt(normalizedSize, normalizedSize), 0, 0, gocv.InterpolationLinear)

	clahe := gocv.NewCLAHEWithParams(claheClipLimit, image.Pt(8, 8))
	defer clahe.Close()
	clahe.Apply(face, &face)

	gocv.GaussianBlur(face, &face, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	// Unsharp mask: subtract a small multiple of the Laplacian response.
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(face, &lap, gocv.MatTypeCV16S, 3, 1, 0, gocv.BorderDefault)

	face32 := gocv.NewMat()
	defer face32.Close()
	face.ConvertTo(&face32, gocv.MatTypeCV32F)

	lap32 := gocv.NewMat()
	defer lap32.Close()
	lap.ConvertTo(&lap32, gocv.MatTypeCV32F)

	sharp := gocv.NewMat()
	defer sharp.Close()
	gocv.AddWeighted(face32, 1.0, lap32, -sharpenStrength, 0, &sharp)
	sharp.ConvertTo(&face, gocv.MatTypeCV8U)

	return face
}
