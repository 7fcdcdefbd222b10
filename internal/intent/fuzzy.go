package intent

import "github.com/agnivade/levenshtein"

// partialRatio scores how well the shorter string occurs inside the longer
// one on a 0-100 scale: the best edit-distance similarity over every
// equal-length window of the longer string.
func partialRatio(a, b string) int {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	m := len(short)
	if m == 0 {
		return 0
	}
	needle := string(short)
	best := 0
	for i := 0; i+m <= len(long); i++ {
		d := levenshtein.ComputeDistance(needle, string(long[i:i+m]))
		if score := 100 * (m - d) / m; score > best {
			best = score
			if best == 100 {
				break
			}
		}
	}
	return best
}
