// Package engine wraps the neural networks behind a single-flight gate
// and performs cosine nearest-neighbour matching over the gallery.
//
// The ONNX sessions keep state between the input copy and Run, so no
// two inference calls may overlap; one mutex serializes every
// detect/liveness/embed sequence across all callers. Input decoding
// and preprocessing happen outside the gate.
package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/facegate/internal/gallery"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/vision"
)

// Rejection reasons. All of them reduce to "no embedding produced" and
// surface to the router as a non-match.
var (
	ErrBadImage      = errors.New("engine: undecodable image")
	ErrNoFace        = errors.New("engine: no face detected")
	ErrLowConfidence = errors.New("engine: detection below confidence floor")
	ErrEmptyCrop     = errors.New("engine: face box has zero area")
	ErrSpoof         = errors.New("engine: liveness check failed")
)

// minDetectConfidence is the floor below which the best candidate box
// is rejected outright.
const minDetectConfidence = 0.6

// livenessContextScale widens the face box before the anti-spoof crop
// so the network sees surrounding context.
const livenessContextScale = 2.7

// Detector produces candidate face boxes from a preprocessed image.
type Detector interface {
	Detect(imgData []float32, origW, origH int) ([]vision.Detection, error)
	InputSize() (int, int)
}

// Recognizer produces an L2-normalized embedding from a face crop.
type Recognizer interface {
	Embed(faceData []float32) ([]float32, error)
	InputSize() (int, int)
}

// Spoof scores the probability a crop shows a live person.
type Spoof interface {
	Predict(faceData []float32) (float32, error)
	InputSize() (int, int)
}

// MatchResult is the outcome of matching a probe against the gallery.
type MatchResult struct {
	Matched  bool
	EnrollID int
	Score    float32
}

// LivenessResult is the latest anti-spoof outcome, published for
// operator telemetry. The record is immutable once published.
type LivenessResult struct {
	Score  float32
	Prob   float32
	TimeMs int64
	At     time.Time
}

type Config struct {
	MatchThreshold    float32
	LivenessThreshold float32
	// MatchWithLiveness runs the anti-spoof check inside Match. Template
	// ingestion always skips it.
	MatchWithLiveness bool
}

// Engine owns the three networks and the inference gate.
type Engine struct {
	mu    sync.Mutex // inference gate
	det   Detector
	rec   Recognizer
	spoof Spoof
	gal   *gallery.Gallery
	cfg   Config

	lastLiveness atomic.Pointer[LivenessResult]
}

func New(det Detector, rec Recognizer, spoof Spoof, gal *gallery.Gallery, cfg Config) *Engine {
	return &Engine{det: det, rec: rec, spoof: spoof, gal: gal, cfg: cfg}
}

// Embed extracts an embedding from a base-64 encoded image. Rejections
// come back as the typed errors above.
func (e *Engine) Embed(imageB64 string, checkLiveness bool) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(imageB64))
	if err != nil || len(raw) == 0 {
		return nil, ErrBadImage
	}

	img, err := vision.DecodeImage(raw)
	if err != nil {
		return nil, ErrBadImage
	}

	return e.embedImage(img, checkLiveness)
}

// EmbedImage is Embed for an already-decoded image.
func (e *Engine) EmbedImage(img image.Image, checkLiveness bool) ([]float32, error) {
	return e.embedImage(img, checkLiveness)
}

func (e *Engine) embedImage(img image.Image, checkLiveness bool) ([]float32, error) {
	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil, ErrBadImage
	}

	// Input prep may run concurrently; only inference is gated.
	detW, detH := e.det.InputSize()
	detInput := vision.PreprocessDetect(img, detW, detH)

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	detections, err := e.det.Detect(detInput, origW, origH)
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(detections) == 0 {
		return nil, ErrNoFace
	}

	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	if best.Confidence < minDetectConfidence {
		return nil, ErrLowConfidence
	}

	if checkLiveness {
		if err := e.checkLiveness(img, best.BBox); err != nil {
			return nil, err
		}
	}

	faceCrop := vision.CropBox(img, best.BBox)
	if faceCrop == nil {
		return nil, ErrEmptyCrop
	}

	recW, recH := e.rec.InputSize()
	embInput := vision.PreprocessEmbed(faceCrop, recW, recH)

	start = time.Now()
	embedding, err := e.rec.Embed(embInput)
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	return embedding, nil
}

// checkLiveness runs the anti-spoof network on a context crop and
// publishes the outcome to the telemetry slot. Called under the gate.
func (e *Engine) checkLiveness(img image.Image, bbox [4]float32) error {
	ctxBox := vision.ExpandBox(bbox, livenessContextScale)
	crop := vision.CropBox(img, ctxBox)
	if crop == nil {
		return ErrEmptyCrop
	}

	spW, spH := e.spoof.InputSize()
	input := vision.PreprocessSpoof(crop, spW, spH)

	start := time.Now()
	prob, err := e.spoof.Predict(input)
	elapsed := time.Since(start)
	observability.InferenceDuration.WithLabelValues("liveness").Observe(elapsed.Seconds())
	if err != nil {
		return fmt.Errorf("liveness: %w", err)
	}

	e.lastLiveness.Store(&LivenessResult{
		Score:  prob,
		Prob:   prob,
		TimeMs: elapsed.Milliseconds(),
		At:     time.Now(),
	})

	if prob < e.cfg.LivenessThreshold {
		return ErrSpoof
	}
	return nil
}

// Match embeds the probe and scans the gallery for the nearest
// neighbour. Every failure mode reduces to Matched=false.
func (e *Engine) Match(imageB64 string) MatchResult {
	emb, err := e.Embed(imageB64, e.cfg.MatchWithLiveness)
	if err != nil {
		slog.Debug("probe rejected", "error", err)
		return MatchResult{}
	}

	var bestID int
	var bestScore float32 = -1

	e.gal.Scan(func(enrollID int, candidate []float32) {
		score := Cosine(emb, candidate)
		if score > bestScore {
			bestScore = score
			bestID = enrollID
		}
	})

	if bestScore < 0 {
		return MatchResult{}
	}

	slog.Debug("best match", "enroll_id", bestID, "score", bestScore)

	return MatchResult{
		Matched:  bestScore > e.cfg.MatchThreshold,
		EnrollID: bestID,
		Score:    bestScore,
	}
}

// LastLiveness returns the most recent anti-spoof outcome, nil when no
// liveness check has run yet.
func (e *Engine) LastLiveness() *LivenessResult {
	return e.lastLiveness.Load()
}

// Cosine computes cosine similarity dividing by both norms. The embed
// step already normalizes its output, but gallery rows imported from
// older schemas may not be unit length, so the division stays.
func Cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
