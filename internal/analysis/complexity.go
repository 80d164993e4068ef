package analysis

import "github.com/rewired-gh/quakescope/internal/models"

var iterativeComplexity = models.ComplexityDescriptor{
	BestCase:        "O(n) - one loop iteration per record, constant work per element",
	WorstCase:       "O(n) - still linear when records arrive unsorted or with missing magnitudes",
	AverageCase:     "O(n) - constant-time arithmetic per element",
	SpaceComplexity: "O(1) - six scalar accumulators, no auxiliary structures",
	Suitability:     "Suited to global seismic datasets (n = 20,000+): stable performance and flat memory use",
}

var recursiveComplexity = models.ComplexityDescriptor{
	BestCase:        "O(n) - one recursive call per record, constant work per call",
	WorstCase:       "O(n) - linear time, but fails once n reaches the configured recursion depth ceiling",
	AverageCase:     "O(n) - call overhead raises the practical constant factor",
	SpaceComplexity: "O(n) - one stack frame per record, each holding its own copy of the accumulators",
	Suitability:     "Unsuitable for large seismic datasets; only small batches below the depth ceiling complete",
}

// IterativeComplexity describes the iterative analyzer.
func IterativeComplexity() models.ComplexityDescriptor {
	return iterativeComplexity
}

// RecursiveComplexity describes the recursive analyzer.
func RecursiveComplexity() models.ComplexityDescriptor {
	return recursiveComplexity
}

// Complexity returns both descriptors.
func Complexity() models.ComplexityPair {
	return models.ComplexityPair{
		Iterative: iterativeComplexity,
		Recursive: recursiveComplexity,
	}
}
