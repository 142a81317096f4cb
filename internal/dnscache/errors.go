package dnscache

import "fmt"

// ErrorKind classifies DNS resolution failures.
type ErrorKind int

const (
	// KindNoAddresses: the host resolved to no usable addresses.
	KindNoAddresses ErrorKind = iota
	// KindResolutionFailed: the underlying resolver reported an error.
	KindResolutionFailed
	// KindTimeout: the lookup exceeded the configured timeout.
	KindTimeout
)

// DNSError is the failure type surfaced by Cache.Resolve. All three
// kinds are cached as negative entries for the negative TTL.
type DNSError struct {
	Kind ErrorKind
	Host string
	Msg  string
}

func (e *DNSError) Error() string {
	switch e.Kind {
	case KindNoAddresses:
		return fmt.Sprintf("no addresses found for host: %s", e.Host)
	case KindTimeout:
		return fmt.Sprintf("DNS timeout for host: %s", e.Host)
	default:
		return fmt.Sprintf("DNS resolution failed for %s: %s", e.Host, e.Msg)
	}
}

// IsNoAddresses reports whether err is a DNSError of kind NoAddresses.
func IsNoAddresses(err error) bool {
	dnsErr, ok := err.(*DNSError)
	return ok && dnsErr.Kind == KindNoAddresses
}

func noAddresses(host string) *DNSError {
	return &DNSError{Kind: KindNoAddresses, Host: host}
}
