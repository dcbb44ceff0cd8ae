// Package category defines the closed taxonomy of AI inference work and
// its per-category configuration. Every feature call site names one of
// these categories; budgets, concurrency ceilings, and default priorities
// attach here rather than at the call sites.
package category

import "fmt"

// Category is a named class of inference work sharing a budget and a
// default priority. The set is closed: adding a category means extending
// this package, not inventing strings at call sites.
type Category string

const (
	// Diagnosis covers diagnostic suggestion from charted findings.
	Diagnosis Category = "diagnosis"
	// TreatmentPlanning covers treatment-plan drafting.
	TreatmentPlanning Category = "treatment_planning"
	// ImagingAnalysis covers radiograph and intraoral image interpretation.
	ImagingAnalysis Category = "imaging_analysis"
	// Scheduling covers appointment-slot reasoning.
	Scheduling Category = "scheduling"
	// FinancialForecast covers revenue and collections forecasting.
	FinancialForecast Category = "financial_forecast"
	// PatientCommunication covers message and recall-note drafting.
	PatientCommunication Category = "patient_communication"
)

// All returns every category in a stable order.
func All() []Category {
	return []Category{
		Diagnosis,
		TreatmentPlanning,
		ImagingAnalysis,
		Scheduling,
		FinancialForecast,
		PatientCommunication,
	}
}

// Parse converts a string into a Category, rejecting unknown values.
func Parse(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("category: unknown category %q", s)
	}
	return c, nil
}

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	switch c {
	case Diagnosis, TreatmentPlanning, ImagingAnalysis,
		Scheduling, FinancialForecast, PatientCommunication:
		return true
	}
	return false
}

// String returns the configuration name of the category.
func (c Category) String() string { return string(c) }

// DefaultPriority returns the built-in priority weight used when neither
// configuration nor the caller supplies one. Clinically urgent work ranks
// above back-office work.
func (c Category) DefaultPriority() int {
	switch c {
	case Diagnosis:
		return 8
	case ImagingAnalysis:
		return 7
	case TreatmentPlanning:
		return 6
	case PatientCommunication:
		return 4
	case Scheduling:
		return 3
	case FinancialForecast:
		return 2
	default:
		return 1
	}
}
