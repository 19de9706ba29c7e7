package ocr

import (
	"bytes"
	"fmt"
	"image"

	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/quebecregistres/extracteur/internal/domain"
)

const (
	// upscaleFactor is the Lanczos enlargement applied to every rasterized
	// page before the model-call stages.
	upscaleFactor = 2

	// maxImagePayloadBytes keeps one PNG under the strictest downstream
	// request cap (5 MB including base64 overhead, so 3 MB raw).
	maxImagePayloadBytes = 3 << 20
)

// payloadScales are the downscale steps tried against the upscaled image
// before giving up and sending the original.
var payloadScales = []float64{0.875, 0.75, 0.625, 0.5, 0.375, 0.25}

// upscalePage enlarges one rasterized page with a Lanczos kernel. The
// original is kept alongside; choosePayload decides which rendition a call
// sends.
func upscalePage(img domain.PageImage) (domain.PageImage, error) {
	src, err := imaging.Decode(bytes.NewReader(img.PNG))
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("op=ocr.upscale page=%d: decode: %v: %w", img.Page, err, domain.ErrUpstreamUnavailable)
	}
	dst := imaging.Resize(src, src.Bounds().Dx()*upscaleFactor, 0, imaging.Lanczos)
	data, err := encodePNG(dst)
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("op=ocr.upscale page=%d: encode: %v: %w", img.Page, err, domain.ErrUpstreamUnavailable)
	}
	return domain.PageImage{Page: img.Page, PNG: data}, nil
}

// choosePayload picks the rendition one page's model calls send, in order:
// the original rasterization when it already fits under the payload cap,
// then the upscaled image downscaled until it fits, then the original
// regardless. The final fallback reports true so the document carries a
// size warning.
func choosePayload(orig, up domain.PageImage) (domain.PageImage, bool) {
	if len(orig.PNG) <= maxImagePayloadBytes {
		return orig, false
	}
	src, err := imaging.Decode(bytes.NewReader(up.PNG))
	if err != nil {
		return orig, true
	}
	for _, scale := range payloadScales {
		w := int(float64(src.Bounds().Dx())*scale + 0.5)
		if w < 1 {
			break
		}
		data, err := encodePNG(imaging.Resize(src, w, 0, imaging.Lanczos))
		if err != nil {
			break
		}
		if len(data) <= maxImagePayloadBytes {
			return domain.PageImage{Page: orig.Page, PNG: data}, false
		}
	}
	return orig, true
}

// pageDims reads pixel dimensions off an encoded image header; zero values
// make the token estimator fall back to its floor.
func pageDims(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
