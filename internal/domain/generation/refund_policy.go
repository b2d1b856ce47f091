package generation

import "fmt"

// PartialFailureRefundPolicy controls compensation when a batch finishes
// with some images succeeded and some failed.
type PartialFailureRefundPolicy string

const (
	// RefundNone keeps the full charge when at least one image succeeded.
	RefundNone PartialFailureRefundPolicy = "no_refund"

	// RefundProportional returns the share of tokens matching the failed
	// fraction of the batch.
	RefundProportional PartialFailureRefundPolicy = "proportional"
)

// ParsePartialFailurePolicy validates a configured policy name.
func ParsePartialFailurePolicy(s string) (PartialFailureRefundPolicy, error) {
	switch PartialFailureRefundPolicy(s) {
	case RefundNone, RefundProportional:
		return PartialFailureRefundPolicy(s), nil
	case "":
		return RefundNone, nil
	default:
		return "", fmt.Errorf("unknown partial failure refund policy %q", s)
	}
}

// partialRefund computes the tokens to return for a partially failed batch.
func (p PartialFailureRefundPolicy) partialRefund(tokensDeducted, imageCount, failedCount int) int {
	if p != RefundProportional || imageCount <= 0 || failedCount <= 0 {
		return 0
	}
	return tokensDeducted * failedCount / imageCount
}
