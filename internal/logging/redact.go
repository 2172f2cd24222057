package logging

// Redact renders a credential for log output without exposing it. Only a
// short prefix survives; everything else collapses to a length marker.
func Redact(secret string) string {
	const visible = 6
	if secret == "" {
		return "<empty>"
	}
	if len(secret) <= visible*2 {
		return "<redacted>"
	}
	return secret[:visible] + "…(" + lengthBucket(len(secret)) + ")"
}

func lengthBucket(n int) string {
	switch {
	case n < 64:
		return "short"
	case n < 512:
		return "medium"
	default:
		return "long"
	}
}
