// sink/types.go
package sink

// Symptom attached to software failures, as opposed to hardware diagnoses.
const ProcessErrorSymptom = "sat-process-error"

// Diagnosis verdicts. Fixed vocabulary so downstream tooling can match on
// the strings.
const (
	MemoryCopyFail        = "memory-copy-fail"
	FileWriteFail         = "file-write-fail"
	FileReadFail          = "file-read-fail"
	HddSectorTagFail      = "hdd-sector-tag-fail"
	HddMiscompareFail     = "hdd-miscompare-fail"
	GeneralMiscompareFail = "general-miscompare-fail"
	DiskPatternMismatch   = "disk-pattern-mismatch-fail"
	DiskAsyncTimeoutFail  = "disk-async-operation-timeout-fail"
	DiskLowLevelIOFail    = "disk-low-level-io-fail"
	DiskUnknownFail       = "disk-unknown-fail"
	DeviceSizeZeroFail    = "device-size-zero-fail"
	CacheCoherencyFail    = "cache-coherency-fail"
	CPUFreqTooLowFail     = "cpu-frequency-too-low-fail"
)

// ValidatorType compares a measurement value against a bound.
type ValidatorType int

const (
	Equal ValidatorType = iota
	LessThanOrEqual
	GreaterThanOrEqual
)

// Validator is an optional acceptance rule on a measurement or series
// element. A failing validator is a warning, not an error; hardware verdicts
// only come from diagnoses.
type Validator struct {
	Type  ValidatorType
	Value float64
}

// Check reports whether v satisfies the validator.
func (va Validator) Check(v float64) bool {
	switch va.Type {
	case LessThanOrEqual:
		return v <= va.Value
	case GreaterThanOrEqual:
		return v >= va.Value
	default:
		return v == va.Value
	}
}

func (va Validator) String() string {
	switch va.Type {
	case LessThanOrEqual:
		return "<="
	case GreaterThanOrEqual:
		return ">="
	default:
		return "=="
	}
}
