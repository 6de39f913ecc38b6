package format

import "fmt"

// byteUnits are the supported size suffixes, 1024 apart. Sizes beyond the
// last unit stay expressed in that unit.
var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// HumanReadableBytes renders a byte count for display: whole numbers in the
// byte range ("1023 B"), two decimals above ("1.00 KB"). Returns the empty
// string for zero or negative counts, which callers treat as unknown.
func HumanReadableBytes(n int64) string {
	if n <= 0 {
		return ""
	}
	size := float64(n)
	unit := 0
	for size >= 1024 && unit < len(byteUnits)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.2f %s", size, byteUnits[unit])
}
