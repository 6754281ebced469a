package nuclear

import (
	"fmt"
	"math"
	"math/rand"
)

// Analyzer turns raw acquisition readings into indication strings. It is a
// pluggable strategy: the default implementation draws defect kinds and
// positions from a seeded PRNG, so replicas seeded from the same transaction
// id agree on the output and tests can substitute a fixed generator.
type Analyzer interface {
	Analyze(readings []int, tubeLength float64) []string
}

var defectKinds = []string{"fissure", "break", "dent"}

type defectAnalyzer struct {
	rnd *rand.Rand
}

// NewDefectAnalyzer returns the default heuristic analyzer. The indication
// count is the rounded mean of the readings modulo 4; each indication gets a
// random defect kind and a random position within the tube length.
func NewDefectAnalyzer(seed int64) Analyzer {
	return &defectAnalyzer{rnd: rand.New(rand.NewSource(seed))}
}

func (a *defectAnalyzer) Analyze(readings []int, tubeLength float64) []string {
	if len(readings) == 0 {
		return nil
	}
	total := 0
	for _, reading := range readings {
		total += reading
	}
	count := int(math.Round(float64(total)/float64(len(readings)))) % 4
	if count < 0 {
		// Go's % keeps the sign of the dividend; a negative mean yields no
		// indications.
		count = 0
	}

	indications := make([]string, 0, count)
	for i := 0; i < count; i++ {
		kind := defectKinds[a.rnd.Intn(len(defectKinds))]
		pos := a.rnd.Float64() * tubeLength
		indications = append(indications, fmt.Sprintf("Detected %s, position %v", kind, pos))
	}
	return indications
}
