package classifier

import (
	"context"
	"fmt"
	"strings"
)

// Prediction is one label proposed for an image.
type Prediction struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
}

type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

type Classifier interface {
	Classify(ctx context.Context, image Image) ([]Prediction, error)
}

var supportedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

func IsSupportedImage(mimeType string) bool {
	_, ok := supportedImageTypes[strings.ToLower(mimeType)]
	return ok
}

// FormatPredictions renders predictions as "label (12.3%), other (4.0%)".
func FormatPredictions(predictions []Prediction) string {
	parts := make([]string, 0, len(predictions))
	for _, p := range predictions {
		parts = append(parts, fmt.Sprintf("%s (%.1f%%)", p.ClassName, p.Probability*100))
	}
	return strings.Join(parts, ", ")
}
