package credential

import "strings"

// FailureClass names the category a provider error code falls into.
type FailureClass string

const (
	ClassNone        FailureClass = ""
	ClassAuth        FailureClass = "auth"
	ClassRateLimited FailureClass = "rate_limited"
	ClassTransient   FailureClass = "transient"
	ClassQuota       FailureClass = "quota"
	ClassUnknown     FailureClass = "unknown"
)

// Verdict is the classifier's decision for one failed call.
type Verdict struct {
	Class FailureClass
	// NewState is empty when the credential's state must not change.
	NewState State
	Retry    bool
}

var classByCode = map[string]FailureClass{
	"401":          ClassAuth,
	"403":          ClassAuth,
	"unauthorized": ClassAuth,
	"forbidden":    ClassAuth,

	"429":          ClassRateLimited,
	"rate_limited": ClassRateLimited,

	"500":      ClassTransient,
	"502":      ClassTransient,
	"503":      ClassTransient,
	"504":      ClassTransient,
	"timeout":  ClassTransient,
	"canceled": ClassTransient,

	"insufficient_quota": ClassQuota,
	"quota_exhausted":    ClassQuota,
}

// Classify maps a provider error code to a state transition and a retry
// decision. Unrecognized codes never change state and are not retried.
func Classify(code string) Verdict {
	class, ok := classByCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Verdict{Class: ClassUnknown}
	}

	switch class {
	case ClassAuth:
		return Verdict{Class: class, NewState: StateDisabled, Retry: true}
	case ClassQuota:
		return Verdict{Class: class, NewState: StateExhausted, Retry: true}
	default:
		return Verdict{Class: class, Retry: true}
	}
}
