package engine

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"
	"testing"

	"github.com/your-org/facegate/internal/gallery"
	"github.com/your-org/facegate/internal/vision"
)

type fakeDetector struct {
	detections []vision.Detection
	err        error
	calls      int
}

func (f *fakeDetector) Detect(imgData []float32, origW, origH int) ([]vision.Detection, error) {
	f.calls++
	return f.detections, f.err
}

func (f *fakeDetector) InputSize() (int, int) { return 640, 640 }

type fakeRecognizer struct {
	embedding []float32
	err       error
}

func (f *fakeRecognizer) Embed(faceData []float32) ([]float32, error) {
	return f.embedding, f.err
}

func (f *fakeRecognizer) InputSize() (int, int) { return 112, 112 }

type fakeSpoof struct {
	prob float32
	err  error
}

func (f *fakeSpoof) Predict(faceData []float32) (float32, error) {
	return f.prob, f.err
}

func (f *fakeSpoof) InputSize() (int, int) { return 112, 112 }

func probeImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode probe: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func faceAt(conf float32) vision.Detection {
	return vision.Detection{BBox: [4]float32{8, 8, 56, 56}, Confidence: conf}
}

func newTestEngine(det Detector, rec Recognizer, sp Spoof, gal *gallery.Gallery, withLiveness bool) *Engine {
	return New(det, rec, sp, gal, Config{
		MatchThreshold:    0.4,
		LivenessThreshold: 0.3,
		MatchWithLiveness: withLiveness,
	})
}

func TestEmbedRejectsBadBase64(t *testing.T) {
	e := newTestEngine(&fakeDetector{}, &fakeRecognizer{}, &fakeSpoof{}, gallery.New(), false)
	if _, err := e.Embed("not base64!!", false); !errors.Is(err, ErrBadImage) {
		t.Fatalf("err = %v, want ErrBadImage", err)
	}
	if _, err := e.Embed(base64.StdEncoding.EncodeToString([]byte("junk")), false); !errors.Is(err, ErrBadImage) {
		t.Fatalf("err = %v, want ErrBadImage for undecodable bytes", err)
	}
}

func TestEmbedNoFace(t *testing.T) {
	e := newTestEngine(&fakeDetector{}, &fakeRecognizer{}, &fakeSpoof{}, gallery.New(), false)
	if _, err := e.Embed(probeImage(t), false); !errors.Is(err, ErrNoFace) {
		t.Fatalf("err = %v, want ErrNoFace", err)
	}
}

func TestEmbedLowConfidence(t *testing.T) {
	det := &fakeDetector{detections: []vision.Detection{faceAt(0.5)}}
	e := newTestEngine(det, &fakeRecognizer{}, &fakeSpoof{}, gallery.New(), false)
	if _, err := e.Embed(probeImage(t), false); !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("err = %v, want ErrLowConfidence", err)
	}
}

func TestEmbedSpoofRejected(t *testing.T) {
	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	sp := &fakeSpoof{prob: 0.1}
	e := newTestEngine(det, &fakeRecognizer{embedding: []float32{1}}, sp, gallery.New(), false)

	if _, err := e.Embed(probeImage(t), true); !errors.Is(err, ErrSpoof) {
		t.Fatalf("err = %v, want ErrSpoof", err)
	}

	// Telemetry slot is populated even on rejection.
	lv := e.LastLiveness()
	if lv == nil || lv.Prob != 0.1 {
		t.Fatalf("LastLiveness() = %+v, want prob 0.1", lv)
	}
}

func TestEmbedSkipsLivenessWhenDisabled(t *testing.T) {
	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	sp := &fakeSpoof{prob: 0.0}
	e := newTestEngine(det, &fakeRecognizer{embedding: []float32{1, 0}}, sp, gallery.New(), false)

	emb, err := e.Embed(probeImage(t), false)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb) != 2 {
		t.Fatalf("embedding = %v", emb)
	}
	if e.LastLiveness() != nil {
		t.Fatal("liveness ran despite checkLiveness=false")
	}
}

func TestMatchNearestNeighbour(t *testing.T) {
	gal := gallery.New()
	gal.Upsert(1001, []float32{1, 0}, "alice", true)
	gal.Upsert(1002, []float32{0, 1}, "bob", true)

	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	rec := &fakeRecognizer{embedding: []float32{0.9, 0.1}}
	e := newTestEngine(det, rec, &fakeSpoof{prob: 1}, gal, true)

	mr := e.Match(probeImage(t))
	if !mr.Matched || mr.EnrollID != 1001 {
		t.Fatalf("Match = %+v, want match on 1001", mr)
	}
	if mr.Score <= 0.4 {
		t.Fatalf("score = %v, want > threshold", mr.Score)
	}
}

func TestMatchBelowThreshold(t *testing.T) {
	gal := gallery.New()
	gal.Upsert(1001, []float32{1, 0}, "alice", true)

	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	rec := &fakeRecognizer{embedding: []float32{0, 1}} // orthogonal
	e := newTestEngine(det, rec, &fakeSpoof{prob: 1}, gal, true)

	mr := e.Match(probeImage(t))
	if mr.Matched {
		t.Fatalf("Match = %+v, want no match for orthogonal probe", mr)
	}
}

func TestMatchEmptyGallery(t *testing.T) {
	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	e := newTestEngine(det, &fakeRecognizer{embedding: []float32{1}}, &fakeSpoof{prob: 1}, gallery.New(), false)

	if mr := e.Match(probeImage(t)); mr.Matched {
		t.Fatalf("Match = %+v, want no match against empty gallery", mr)
	}
}

func TestMatchScoreAtThresholdDoesNotMatch(t *testing.T) {
	gal := gallery.New()
	gal.Upsert(1001, []float32{1, 0}, "alice", true)

	// cos(angle) == 0.4 exactly: probe (0.4, sqrt(1-0.16)).
	rec := &fakeRecognizer{embedding: []float32{0.4, float32(math.Sqrt(1 - 0.16))}}
	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	e := newTestEngine(det, rec, &fakeSpoof{prob: 1}, gal, false)

	if mr := e.Match(probeImage(t)); mr.Matched {
		t.Fatalf("Match = %+v; score equal to the threshold must not grant", mr)
	}
}

func TestConcurrentMatchSerialized(t *testing.T) {
	gal := gallery.New()
	gal.Upsert(1001, []float32{1, 0}, "alice", true)

	det := &fakeDetector{detections: []vision.Detection{faceAt(0.9)}}
	e := newTestEngine(det, &fakeRecognizer{embedding: []float32{1, 0}}, &fakeSpoof{prob: 1}, gal, false)

	probe := probeImage(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mr := e.Match(probe); !mr.Matched {
				t.Errorf("concurrent Match failed: %+v", mr)
			}
		}()
	}
	wg.Wait()

	if det.calls != 8 {
		t.Fatalf("detector ran %d times, want 8", det.calls)
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"unnormalized", []float32{2, 0}, []float32{5, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cosine(tc.a, tc.b)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
