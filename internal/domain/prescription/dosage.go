package prescription

// Dosage rule constants, in milligrams.
const (
	DosageMild     = 250
	DosageModerate = 500
	DosageSevere   = 650

	// HeavyWeightBonus is added for patients strictly heavier than
	// HeavyWeightThreshold kilograms.
	HeavyWeightBonus     = 100
	HeavyWeightThreshold = 80
)

// ComputeDosage returns the dosage in milligrams for a severity and weight.
func ComputeDosage(severity Severity, weight int) int {
	var dosage int
	switch severity {
	case SeverityModerate:
		dosage = DosageModerate
	case SeveritySevere:
		dosage = DosageSevere
	default:
		dosage = DosageMild
	}

	if weight > HeavyWeightThreshold {
		dosage += HeavyWeightBonus
	}
	return dosage
}
