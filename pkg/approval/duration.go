package approval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned for durations ParseDuration cannot represent.
var ErrInvalidDuration = errors.New("invalid duration")

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// "ms" must be tried before "m" and "s".
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration parses "<n><unit>" where unit is one of ms, s, m, h, d.
// The count is a non-negative integer; products that would overflow
// time.Duration are rejected instead of wrapping.
func ParseDuration(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	for _, u := range durationUnits {
		if !strings.HasSuffix(raw, u.suffix) {
			continue
		}
		digits := strings.TrimSuffix(raw, u.suffix)
		if digits == "" || strings.ContainsAny(digits, "+-") {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		n, err := strconv.ParseUint(digits, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		if n > uint64(math.MaxInt64/int64(u.unit)) {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, s)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("%w: %q (want <n>ms|s|m|h|d)", ErrInvalidDuration, s)
}
