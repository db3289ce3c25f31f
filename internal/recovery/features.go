package recovery

import "math"

// featureDim is the fixed width of the vector the model scores. Layout:
//
//	[0]    bias (always 1)
//	[1:6]  subsystem one-hot (cpu, gpu, memory_pressure, io_latency, cache_miss)
//	[6:11] severity one-hot (info, warning, error, critical, fatal)
//	[11:17] category one-hot (compile, runtime, memory, io, network, other)
//	[17]   normalized memory pressure, 0..1
//	[18]   normalized cpu usage, 0..1
//	[19]   normalized error rate, 0..1 (caller already scaled it)
//	[20]   hour-of-day, 0..1 (hour/24)
//	[21:37] file-path-hash bucket one-hot, 16 buckets
//	[37:45] thread-id bucket one-hot, 8 buckets
const featureDim = 45

var subsystemIndex = map[string]int{
	"cpu":             0,
	"gpu":             1,
	"memory_pressure": 2,
	"io_latency":      3,
	"cache_miss":      4,
}

var severityIndex = map[string]int{
	"info":     0,
	"warning":  1,
	"error":    2,
	"critical": 3,
	"fatal":    4,
}

var categoryIndex = map[string]int{
	"compile": 0,
	"runtime": 1,
	"memory":  2,
	"io":      3,
	"network": 4,
}

// extractFeatures builds the fixed-width feature vector spec.md §4.7 step 2
// describes ("a fixed-width feature vector combining subsystem, severity,
// category, normalized resource pressure, time of day, and hashed identity
// of the failing file and thread").
func extractFeatures(r Report) [featureDim]float64 {
	var f [featureDim]float64
	f[0] = 1

	if i, ok := subsystemIndex[r.Subsystem]; ok {
		f[1+i] = 1
	}
	if i, ok := severityIndex[string(r.Severity)]; ok {
		f[6+i] = 1
	}
	if i, ok := categoryIndex[string(r.Category)]; ok {
		f[11+i] = 1
	} else {
		f[11+5] = 1 // "other" bucket
	}

	f[17] = clamp01(r.MemoryPressure)
	f[18] = clamp01(r.CPUUsage)
	f[19] = clamp01(r.ErrorRate)
	f[20] = float64(r.At.Hour()) / 24.0

	f[21+filePathHashBucket(r.FilePath)] = 1
	f[37+threadIDBucket(r.ThreadID)] = 1

	return f
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Model is a linear-with-sigmoid failure-probability predictor, the
// "lightweight learned model" of spec.md §4.7 step 3. It is trained online
// by a single gradient-descent step per observed outcome (step 6), with no
// batching and no persistence beyond the process.
type Model struct {
	weights      [featureDim]float64
	bias         float64
	learningRate float64

	// accuracy is an exponential moving average of correct predictions
	// (predicted label, rounded, equal to the actual outcome label).
	accuracy    float64
	accuracySet bool
	emaAlpha    float64
}

// NewModel constructs a Model with zeroed weights. learningRate <= 0 uses
// 0.05; emaAlpha <= 0 uses 0.1.
func NewModel(learningRate, emaAlpha float64) *Model {
	if learningRate <= 0 {
		learningRate = 0.05
	}
	if emaAlpha <= 0 {
		emaAlpha = 0.1
	}
	return &Model{learningRate: learningRate, emaAlpha: emaAlpha}
}

// Predict returns the model's failure probability for a report, p = σ(w·x+b).
func (m *Model) Predict(r Report) float64 {
	f := extractFeatures(r)
	return m.predict(f)
}

func (m *Model) predict(f [featureDim]float64) float64 {
	z := m.bias
	for i, v := range f {
		z += m.weights[i] * v
	}
	return sigmoid(z)
}

// Accuracy returns the current exponential-moving-average accuracy. It is
// 0 until at least one Update has run.
func (m *Model) Accuracy() float64 {
	return m.accuracy
}

// Update performs one gradient-descent step toward the observed outcome
// label (1.0 = the strategy failed to prevent recurrence, 0.0 = it held),
// then folds the prediction's correctness into the accuracy EMA. This is
// spec.md §4.7 step 6 ("updates the model with the actual outcome").
func (m *Model) Update(r Report, label float64) {
	f := extractFeatures(r)
	p := m.predict(f)

	correct := 0.0
	if (p >= 0.5) == (label >= 0.5) {
		correct = 1.0
	}
	if !m.accuracySet {
		m.accuracy = correct
		m.accuracySet = true
	} else {
		m.accuracy = m.emaAlpha*correct + (1-m.emaAlpha)*m.accuracy
	}

	err := p - label
	m.bias -= m.learningRate * err
	for i, v := range f {
		m.weights[i] -= m.learningRate * err * v
	}
}
