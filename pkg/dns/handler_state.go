package dns

// Verdict is the final disposition of one inbound packet.
type Verdict int

const (
	// VerdictAnswered means a response was produced.
	VerdictAnswered Verdict = iota
	// VerdictOverloaded means the global ingress bucket was empty.
	VerdictOverloaded
	// VerdictOversized means the packet exceeded the size limit and was not decoded.
	VerdictOversized
	// VerdictMalformed means the packet failed to decode.
	VerdictMalformed
	// VerdictNotQuery means the packet decoded but is not a plain single-question query.
	VerdictNotQuery
	// VerdictNoRecursion means the RD flag was unset.
	VerdictNoRecursion
	// VerdictBlocked means the client is serving a temporary block.
	VerdictBlocked
	// VerdictRateLimited means this packet pushed the client over its limit.
	VerdictRateLimited
	// VerdictReverse means a PTR or .arpa query was ignored.
	VerdictReverse
	// VerdictInternalError means processing failed after admission.
	VerdictInternalError
)

var verdictNames = [...]string{
	VerdictAnswered:      "answered",
	VerdictOverloaded:    "overloaded",
	VerdictOversized:     "oversized",
	VerdictMalformed:     "malformed",
	VerdictNotQuery:      "not_query",
	VerdictNoRecursion:   "no_recursion",
	VerdictBlocked:       "blocked",
	VerdictRateLimited:   "rate_limited",
	VerdictReverse:       "reverse",
	VerdictInternalError: "internal_error",
}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return "unknown"
	}
	return verdictNames[v]
}

// Dropped reports whether the packet gets no response.
func (v Verdict) Dropped() bool {
	return v != VerdictAnswered
}

// serveDNSOutcome captures the mutable fields that downstream helpers update
// while Handle orchestrates the request lifecycle.
type serveDNSOutcome struct {
	domain       string
	qtype        uint16
	responseCode int
	cached       bool
}
