package series

// millisThreshold separates second and millisecond epoch timestamps. Any value
// below it is taken to be seconds.
const millisThreshold = 1_000_000_000_000

// NormalizeMillis returns ts in epoch milliseconds.
func NormalizeMillis(ts int64) int64 {
	if ts < millisThreshold {
		return ts * 1000
	}
	return ts
}

// NormalizeSeconds returns ts in epoch seconds.
func NormalizeSeconds(ts int64) int64 {
	if ts >= millisThreshold {
		return ts / 1000
	}
	return ts
}
