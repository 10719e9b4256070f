package allowlist

import "errors"

var (
	// ErrInvalidDomain is returned when an allowlist entry has an empty domain
	ErrInvalidDomain = errors.New("invalid domain name")

	// ErrInvalidIP is returned when an allowlist entry is not an IPv4 address
	ErrInvalidIP = errors.New("invalid IPv4 address")
)
