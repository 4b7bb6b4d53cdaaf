// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const estimatedBusinessDays = 5

// AddBusinessDays moves t forward by n weekdays. Saturdays and Sundays do not
// count. Holidays are not considered.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

// NewConfirmationNumber formats CLS-<ms timestamp>-<random>, both parts in
// upper-case base 36.
func NewConfirmationNumber(now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	suffix := strconv.FormatInt(rand.Int64N(36*36*36*36*36*36), 36)
	for len(suffix) < 6 {
		suffix = "0" + suffix
	}
	return "CLS-" + strings.ToUpper(ts) + "-" + strings.ToUpper(suffix)
}
