package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FailureReason classifies why a message could not become a draft.
type FailureReason string

const (
	FailureEmpty       FailureReason = "empty"
	FailureAmbiguous   FailureReason = "ambiguous"
	FailureUnsupported FailureReason = "unsupported"
)

// ParseFailure asks the caller to request clarification from the user.
// It is not a hard failure.
type ParseFailure struct {
	Reason FailureReason
	Detail string
}

func (e *ParseFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("parse failure: %s", e.Reason)
	}
	return fmt.Sprintf("parse failure: %s: %s", e.Reason, e.Detail)
}

// Clarification is the Spanish prompt sent back to the user.
func (e *ParseFailure) Clarification() string {
	switch e.Reason {
	case FailureEmpty:
		return "Envíame el gasto, por ejemplo: \"50k almuerzo tarjeta\"."
	case FailureAmbiguous:
		return "No pude identificar el monto. ¿Cuánto pagaste?"
	case FailureUnsupported:
		return "Tu mensaje es demasiado largo. Envíame un gasto por mensaje, por ejemplo: \"50k almuerzo tarjeta\"."
	default:
		return "No pude entender la información financiera en tu mensaje."
	}
}

// ServiceErrorKind classifies language-model service failures.
type ServiceErrorKind string

const (
	ServiceTimeout           ServiceErrorKind = "timeout"
	ServiceUnavailable       ServiceErrorKind = "unavailable"
	ServiceMalformedResponse ServiceErrorKind = "malformed_response"
)

// ServiceError is returned by the extraction client. It is always recovered
// locally by falling back to regex extraction.
type ServiceError struct {
	Kind ServiceErrorKind
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai service: %s", e.Kind)
	}
	return fmt.Sprintf("ai service: %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ReconcileConflict reports an OCR total that disagrees with the parsed amount
// beyond tolerance. It flags the draft for review and never blocks it.
type ReconcileConflict struct {
	OCRAmount       decimal.Decimal
	ParsedAmount    decimal.Decimal
	DifferenceRatio decimal.Decimal
}

func (e *ReconcileConflict) Error() string {
	return fmt.Sprintf("receipt total %s differs from parsed amount %s (%s%%)",
		e.OCRAmount.String(), e.ParsedAmount.String(),
		e.DifferenceRatio.Mul(decimal.NewFromInt(100)).StringFixed(2))
}
