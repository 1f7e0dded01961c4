package decision

// Reason codes are stable identifiers carried by violations and decision
// records. They must not change between releases.
const (
	// --- Liveness (condition a) ---
	ReasonLivenessDown            = "LIVENESS_DOWN"
	ReasonLivenessEvidenceMissing = "LIVENESS_EVIDENCE_MISSING" // required target absent from the report

	// --- Determinism (condition b) ---
	ReasonNonDeterministic      = "NON_DETERMINISTIC"
	ReasonDeterminismUnverified = "DETERMINISM_UNVERIFIED" // check could not run twice, or none configured

	// --- Gates (condition c) ---
	ReasonClassABlock          = "CLASS_A_BLOCK"
	ReasonClassAMissing        = "CLASS_A_MISSING"
	ReasonHardBlockGate        = "HARD_BLOCK_GATE" // non-class-A gate flagged hard_block
	ReasonHardBlockGateMissing = "HARD_BLOCK_GATE_MISSING"

	// --- Score (conditions d, e, g) ---
	ReasonStandardBelowThreshold     = "STANDARD_SCORE_BELOW_THRESHOLD"
	ReasonConservativeBelowThreshold = "CONSERVATIVE_SCORE_BELOW_THRESHOLD"
	ReasonSectionBelowFloor          = "SECTION_BELOW_FLOOR"

	// --- Gap (condition f) ---
	ReasonGapExceeded = "SCORE_GAP_EXCEEDED"
)

// AllReasonCodes returns every reason code.
func AllReasonCodes() []string {
	return []string{
		ReasonLivenessDown,
		ReasonLivenessEvidenceMissing,
		ReasonNonDeterministic,
		ReasonDeterminismUnverified,
		ReasonClassABlock,
		ReasonClassAMissing,
		ReasonHardBlockGate,
		ReasonHardBlockGateMissing,
		ReasonStandardBelowThreshold,
		ReasonConservativeBelowThreshold,
		ReasonSectionBelowFloor,
		ReasonGapExceeded,
	}
}

// Family groups reason codes by the exit status they map to.
type Family string

const (
	FamilyLiveness    Family = "liveness"
	FamilyDeterminism Family = "determinism"
	FamilyGate        Family = "gate"
	FamilyScore       Family = "score"
	FamilyGap         Family = "gap"
)

// Exit statuses of the evaluate command.
const (
	ExitPromote     = 0
	ExitError       = 2
	ExitLiveness    = 10
	ExitDeterminism = 11
	ExitGate        = 12
	ExitScore       = 13
	ExitGap         = 14
)

// ExitCode returns the exit status for a family.
func (f Family) ExitCode() int {
	switch f {
	case FamilyLiveness:
		return ExitLiveness
	case FamilyDeterminism:
		return ExitDeterminism
	case FamilyGate:
		return ExitGate
	case FamilyScore:
		return ExitScore
	case FamilyGap:
		return ExitGap
	}
	return ExitError
}

// FamilyOf maps a reason code to its family.
func FamilyOf(code string) Family {
	switch code {
	case ReasonLivenessDown, ReasonLivenessEvidenceMissing:
		return FamilyLiveness
	case ReasonNonDeterministic, ReasonDeterminismUnverified:
		return FamilyDeterminism
	case ReasonClassABlock, ReasonClassAMissing, ReasonHardBlockGate, ReasonHardBlockGateMissing:
		return FamilyGate
	case ReasonStandardBelowThreshold, ReasonConservativeBelowThreshold, ReasonSectionBelowFloor:
		return FamilyScore
	case ReasonGapExceeded:
		return FamilyGap
	}
	return ""
}
