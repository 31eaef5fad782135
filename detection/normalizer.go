package detection

import (
	"math"
	"strings"
)

// Normalizer converts a raw provider payload into the fixed Result shape.
// The provider response shape is not stable across versions, so every field
// is probed through a strict priority order. Normalization never fails:
// absence of any recognizable field degrades to the default confidence (50)
// and a suspicious classification.
type Normalizer struct {
	Thresholds Thresholds
	Provider   string
}

// NewNormalizer builds a Normalizer with the given threshold policy.
func NewNormalizer(t Thresholds) *Normalizer {
	if t.Authentic == 0 && t.Deepfake == 0 {
		t = DefaultThresholds()
	}
	return &Normalizer{Thresholds: t, Provider: "deepdetect"}
}

// defaultConfidence is the maximally uncertain score used when no
// recognizable confidence field is present.
const defaultConfidence = 50

// Confidence field priority, first match wins:
// confidence -> authenticity_score -> score -> 1-fake_probability ->
// real_probability -> 1-manipulation_score.
var confidenceFields = []struct {
	key    string
	invert bool
}{
	{"confidence", false},
	{"authenticity_score", false},
	{"score", false},
	{"fake_probability", true},
	{"real_probability", false},
	{"manipulation_score", true},
}

// Textual override vocabularies, matched case-insensitively as substrings.
var (
	fakeWords      = []string{"fake", "deepfake", "manipulated"}
	authenticWords = []string{"real", "authentic", "genuine"}
	overrideFields = []string{"classification", "label", "verdict", "prediction", "status"}
)

// Normalize maps an arbitrary provider payload onto a Result.
func (n *Normalizer) Normalize(raw map[string]any) *Result {
	fields := flatten(raw)

	confidence, found := n.extractConfidence(fields)
	steps := []string{"confidence_extraction"}
	note := ""
	if !found {
		confidence = defaultConfidence
		note = "no recognizable confidence field; defaulted"
	}

	class := n.Thresholds.Classify(confidence)

	// Provider-supplied textual classification overrides the threshold
	// derivation, snapping confidence toward the extremes when the numeric
	// value disagrees.
	if override, ok := n.extractOverride(fields); ok {
		steps = append(steps, "classification_override")
		switch override {
		case ClassAuthentic:
			if confidence < n.Thresholds.Authentic {
				confidence = 85
			}
		case ClassDeepfake:
			if confidence >= n.Thresholds.Deepfake {
				confidence = 25
			}
		}
		class = override
	} else {
		steps = append(steps, "threshold_classification")
	}

	confidence = round2(clamp(confidence))

	heatmap, synthetic := n.extractHeatmap(fields, confidence)
	steps = append(steps, "heatmap_generation")

	manipulation := n.extractManipulation(fields)
	if manipulation != nil {
		steps = append(steps, "manipulation_analysis")
	}

	return &Result{
		ConfidenceScore:  confidence,
		Classification:   class,
		Metadata:         n.metadata(fields, steps, note),
		Heatmap:          heatmap,
		HeatmapSynthetic: synthetic,
		Manipulation:     manipulation,
	}
}

func (n *Normalizer) metadata(fields map[string]any, steps []string, note string) Metadata {
	md := Metadata{Provider: n.Provider, ProcessingSteps: steps, Thresholds: n.Thresholds, Note: note}
	if s, ok := stringField(fields, "provider"); ok {
		md.Provider = s
	}
	if s, ok := stringField(fields, "model"); ok {
		md.Model = s
	} else if s, ok := stringField(fields, "model_version"); ok {
		md.Model = s
	}
	return md
}

// extractConfidence walks the priority chain and returns a 0-100 score.
func (n *Normalizer) extractConfidence(fields map[string]any) (float64, bool) {
	for _, f := range confidenceFields {
		v, ok := numberField(fields, f.key)
		if !ok {
			continue
		}
		score := asPercent(v)
		if f.invert {
			score = 100 - score
		}
		return clamp(score), true
	}
	return 0, false
}

// extractOverride pattern-matches any provider textual verdict.
// Fake vocabulary wins over authentic vocabulary ("deepfake" must never
// read as authentic because a field also mentions "real").
func (n *Normalizer) extractOverride(fields map[string]any) (Classification, bool) {
	for _, key := range overrideFields {
		s, ok := stringField(fields, key)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, w := range fakeWords {
			if strings.Contains(lower, w) {
				return ClassDeepfake, true
			}
		}
		for _, w := range authenticWords {
			if strings.Contains(lower, w) {
				return ClassAuthentic, true
			}
		}
	}
	return "", false
}

// extractHeatmap applies the generation priority: provider regions pass
// through unchanged; otherwise regions are synthesized from manipulation
// sub-scores; otherwise a single synthetic full-face region is emitted.
// The second return value warns the UI that regions were fabricated.
func (n *Normalizer) extractHeatmap(fields map[string]any, confidence float64) ([]HeatmapRegion, bool) {
	if regions, ok := providerRegions(fields); ok {
		return regions, false
	}

	var synthesized []HeatmapRegion
	for _, cat := range manipulationCategories {
		v, ok := subScore(fields, cat.keys)
		if !ok {
			continue
		}
		synthesized = append(synthesized, HeatmapRegion{
			X: cat.rect[0], Y: cat.rect[1], Width: cat.rect[2], Height: cat.rect[3],
			Confidence: round2(clamp(100 - v)),
			Type:       cat.name,
			Synthetic:  true,
		})
	}
	if len(synthesized) > 0 {
		return synthesized, true
	}

	// Last resort: one full-face region so the UI always has something to render.
	return []HeatmapRegion{{
		X: 0.25, Y: 0.2, Width: 0.5, Height: 0.5,
		Confidence: round2(clamp(100 - confidence)),
		Type:       "face",
		Synthetic:  true,
	}}, true
}

func providerRegions(fields map[string]any) ([]HeatmapRegion, bool) {
	list, ok := fields["regions"].([]any)
	if !ok {
		if hm, isMap := fields["heatmap"].(map[string]any); isMap {
			list, ok = hm["regions"].([]any)
		}
	}
	if !ok || len(list) == 0 {
		return nil, false
	}

	regions := make([]HeatmapRegion, 0, len(list))
	for _, item := range list {
		m, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		r := HeatmapRegion{Type: "face"}
		if v, ok := numberField(m, "x"); ok {
			r.X = v
		}
		if v, ok := numberField(m, "y"); ok {
			r.Y = v
		}
		if v, ok := firstNumber(m, "width", "w"); ok {
			r.Width = v
		}
		if v, ok := firstNumber(m, "height", "h"); ok {
			r.Height = v
		}
		if v, ok := numberField(m, "confidence"); ok {
			r.Confidence = v
		}
		if s, ok := stringField(m, "type"); ok {
			r.Type = s
		} else if s, ok := stringField(m, "region_type"); ok {
			r.Type = s
		}
		regions = append(regions, r)
	}
	if len(regions) == 0 {
		return nil, false
	}
	return regions, true
}

// manipulationCategories maps each sub-score to its probe keys and the
// synthetic rectangle used when regions must be fabricated from it.
var manipulationCategories = []struct {
	name string
	keys []string
	rect [4]float64
}{
	{"face", []string{"face_manipulation", "face_score", "face"}, [4]float64{0.25, 0.2, 0.5, 0.5}},
	{"background", []string{"background_manipulation", "background_consistency", "background"}, [4]float64{0, 0, 1, 1}},
	{"lighting", []string{"lighting_inconsistencies", "lighting_analysis", "lighting"}, [4]float64{0, 0, 1, 0.35}},
	{"compression", []string{"compression_artifacts", "compression"}, [4]float64{0, 0.65, 1, 0.35}},
}

// extractManipulation pulls whichever sub-scores are present and averages
// only those; categories absent from the payload do not drag the mean down.
func (n *Normalizer) extractManipulation(fields map[string]any) *ManipulationScores {
	var (
		out     ManipulationScores
		sum     float64
		present int
	)
	assign := map[string]**float64{
		"face":        &out.Face,
		"background":  &out.Background,
		"lighting":    &out.Lighting,
		"compression": &out.Compression,
	}
	for _, cat := range manipulationCategories {
		v, ok := subScore(fields, cat.keys)
		if !ok {
			continue
		}
		score := round2(clamp(v))
		*assign[cat.name] = &score
		sum += score
		present++
	}
	if present == 0 {
		return nil
	}
	out.Overall = round2(sum / float64(present))
	return &out
}

func subScore(fields map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if v, ok := numberField(fields, key); ok {
			return asPercent(v), true
		}
	}
	return 0, false
}

// flatten merges a nested "result" object over the top-level payload so
// both `{confidence: ...}` and `{result: {confidence: ...}}` shapes probe
// the same way, with the nested object taking priority.
func flatten(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	nested, ok := raw["result"].(map[string]any)
	if !ok {
		return raw
	}
	merged := make(map[string]any, len(raw)+len(nested))
	for k, v := range raw {
		merged[k] = v
	}
	for k, v := range nested {
		merged[k] = v
	}
	return merged
}

func numberField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := numberField(m, key); ok {
			return v, true
		}
	}
	return 0, false
}

func stringField(m map[string]any, key string) (string, bool) {
	if s, ok := m[key].(string); ok && s != "" {
		return s, true
	}
	return "", false
}

// asPercent auto-detects 0-1 fractions vs 0-100 scales.
func asPercent(v float64) float64 {
	if v >= 0 && v <= 1 {
		return v * 100
	}
	return v
}

func clamp(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
