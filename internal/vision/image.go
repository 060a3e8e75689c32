package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
)

// DecodeImage decodes transport bytes into an image. JPEG first, then
// whatever registered decoder matches.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// PreprocessDetect converts an image to the detector's CHW input.
func PreprocessDetect(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0}, false)
}

// PreprocessEmbed converts a face crop to the recognizer's CHW input.
func PreprocessEmbed(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5}, false)
}

// PreprocessSpoof converts a context crop to the anti-spoof net's CHW
// input: [0,1] range with R and B swapped (the net was trained on BGR).
func PreprocessSpoof(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH,
		[3]float32{0, 0, 0}, [3]float32{255, 255, 255}, true)
}

// imageToFloat32CHW converts an image to CHW float32 format with
// normalization pixel = (pixel - mean) / std. swapRB emits BGR order.
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32, swapRB bool) []float32 {
	resized := resizeImage(img, targetW, targetH)
	bounds := resized.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			// 16-bit to 8-bit
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)

			if swapRB {
				rf, bf = bf, rf
			}

			// CHW layout: [C][H][W]
			idx := y*w + x
			data[0*h*w+idx] = (rf - mean[0]) / std[0]
			data[1*h*w+idx] = (gf - mean[1]) / std[1]
			data[2*h*w+idx] = (bf - mean[2]) / std[2]
		}
	}

	return data
}

// resizeImage performs nearest-neighbour resize (fast, good enough for ML input).
func resizeImage(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}

	return dst
}

// CropBox extracts the given box from the image, clamped to image
// bounds. Returns nil when the clamped box has zero area.
func CropBox(img image.Image, bbox [4]float32) image.Image {
	bounds := img.Bounds()

	x1 := int(bbox[0])
	y1 := int(bbox[1])
	x2 := int(bbox[2])
	y2 := int(bbox[3])

	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}

	if x2-x1 <= 0 || y2-y1 <= 0 {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for cy := y1; cy < y2; cy++ {
		for cx := x1; cx < x2; cx++ {
			crop.Set(cx-x1, cy-y1, img.At(cx, cy))
		}
	}

	return crop
}

// ExpandBox scales a box around its center. The caller clamps via
// CropBox.
func ExpandBox(bbox [4]float32, scale float32) [4]float32 {
	cx := (bbox[0] + bbox[2]) / 2
	cy := (bbox[1] + bbox[3]) / 2
	hw := (bbox[2] - bbox[0]) * scale / 2
	hh := (bbox[3] - bbox[1]) * scale / 2
	return [4]float32{cx - hw, cy - hh, cx + hw, cy + hh}
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	return buf.Bytes()
}
