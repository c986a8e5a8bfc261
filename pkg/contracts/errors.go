package contracts

import "fmt"

// Deterministic error codes for pipeline outcomes.
const (
	ErrCodeNotBootstrapped      = "ERR_NOT_BOOTSTRAPPED"
	ErrCodeCostExceeded         = "ERR_COST_EXCEEDED"
	ErrCodeRateLimited          = "ERR_RATE_LIMITED"
	ErrCodePolicyDenied         = "ERR_POLICY_DENIED"
	ErrCodeExecutorTimeout      = "ERR_EXECUTOR_TIMEOUT"
	ErrCodeExecutorError        = "ERR_EXECUTOR_ERROR"
	ErrCodeNoExecutor           = "ERR_NO_EXECUTOR"
	ErrCodeOwnershipConflict    = "ERR_OWNERSHIP_CONFLICT"
	ErrCodeSubThresholdQuality  = "ERR_SUB_THRESHOLD_QUALITY"
	ErrCodeUnknownCategory      = "ERR_UNKNOWN_CATEGORY"
	ErrCodePayloadSchemaInvalid = "ERR_PAYLOAD_SCHEMA_INVALID"
	ErrCodeInternal             = "ERR_INTERNAL"
)

// BlockReason classifies why the pipeline refused to run an action.
type BlockReason string

const (
	ReasonNotBootstrapped BlockReason = "NotBootstrapped"
	ReasonCostExceeded    BlockReason = "CostExceeded"
	ReasonRateLimited     BlockReason = "RateLimited"
	ReasonPolicyDenied    BlockReason = "PolicyDenied"
	ReasonNoExecutor      BlockReason = "NoExecutor"
)

// BlockedError is returned synchronously to the caller when a gating stage
// refuses an action. Message is human-actionable; Alternative, when set,
// names a cheaper category the caller may resubmit under.
type BlockedError struct {
	Reason      BlockReason      `json:"reason"`
	Code        string           `json:"code"`
	Message     string           `json:"message"`
	Alternative *CostAlternative `json:"alternative,omitempty"`
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CostAlternative describes the cheapest known substitute for a blocked action.
type CostAlternative struct {
	Category Category `json:"category"`
	Cost     float64  `json:"cost"`
	Savings  float64  `json:"savings"`
}

// PayloadError rejects an action at the submission boundary, before any
// pipeline stage runs.
type PayloadError struct {
	Code    string
	Message string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// OwnershipConflictError aborts startup when two components claim one concern.
type OwnershipConflictError struct {
	Concern string `json:"concern"`
	Owner   string `json:"owner"`
	Claimed string `json:"claimed"`
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("%s: concern %q already owned by %q, claimed by %q",
		ErrCodeOwnershipConflict, e.Concern, e.Owner, e.Claimed)
}
