package detection

// Classification is the three-way verdict derived from the confidence score
// or a provider-supplied override.
type Classification string

const (
	ClassAuthentic  Classification = "authentic"
	ClassSuspicious Classification = "suspicious"
	ClassDeepfake   Classification = "deepfake"
)

// Thresholds holds the confidence cutoffs used to derive a classification.
// The cutoffs are policy, not constants; deployments may tune them.
type Thresholds struct {
	Authentic float64 `json:"authentic"` // confidence >= Authentic -> authentic
	Deepfake  float64 `json:"deepfake"`  // confidence < Deepfake -> deepfake
}

// DefaultThresholds returns the current production cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Authentic: 75, Deepfake: 40}
}

// Classify maps a confidence score onto the three-way verdict.
func (t Thresholds) Classify(confidence float64) Classification {
	switch {
	case confidence >= t.Authentic:
		return ClassAuthentic
	case confidence < t.Deepfake:
		return ClassDeepfake
	default:
		return ClassSuspicious
	}
}

// HeatmapRegion is a normalized rectangle over the image, coordinates and
// size in [0,1], annotated with a confidence value and a semantic type tag.
type HeatmapRegion struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"` // face/background/lighting/compression
	Synthetic  bool    `json:"synthetic,omitempty"`
}

// ManipulationScores holds per-category 0-100 manipulation estimates.
// Nil pointers mean the provider did not report that category; absent
// categories are excluded from Overall, not treated as zero.
type ManipulationScores struct {
	Face        *float64 `json:"face,omitempty"`
	Background  *float64 `json:"background,omitempty"`
	Lighting    *float64 `json:"lighting,omitempty"`
	Compression *float64 `json:"compression,omitempty"`
	Overall     float64  `json:"overall"`
}

// Metadata carries provenance for a result so the UI can explain it.
type Metadata struct {
	Provider        string     `json:"provider"`
	Model           string     `json:"model,omitempty"`
	ProcessingSteps []string   `json:"processing_steps,omitempty"`
	Thresholds      Thresholds `json:"thresholds"`
	Note            string     `json:"note,omitempty"`
}

// Result is the fixed internal shape every analysis attempt produces.
// Fallback results are clearly flagged so downstream consumers can
// distinguish real from synthetic analysis.
type Result struct {
	ConfidenceScore  float64             `json:"confidence_score"`
	Classification   Classification      `json:"classification"`
	ProcessingMs     int64               `json:"processing_ms"`
	Fallback         bool                `json:"fallback"`
	FallbackReason   string              `json:"fallback_reason,omitempty"`
	Metadata         Metadata            `json:"metadata"`
	Heatmap          []HeatmapRegion     `json:"heatmap,omitempty"`
	HeatmapSynthetic bool                `json:"heatmap_synthetic"`
	Manipulation     *ManipulationScores `json:"manipulation,omitempty"`
}

// Input describes one file to analyze. Data takes priority; when Data is nil
// the client fetches FileURL, tolerating unreachable or ephemeral URLs by
// degrading to a fallback result.
type Input struct {
	FileName string
	MimeType string
	Data     []byte
	FileURL  string
}
