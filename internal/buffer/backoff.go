package buffer

import "time"

// Delay returns the exponential backoff delay before retry attempt n
// (1-based): base, 2*base, 4*base, ...
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
