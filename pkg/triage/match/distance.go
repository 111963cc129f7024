package match

// Distance returns the optimal-string-alignment Damerau–Levenshtein
// distance between a and b, counted in runes. Work stops as soon as the
// distance is known to exceed limit, in which case limit+1 is returned.
func Distance(a, b string, limit int) int {
	ra, rb := []rune(a), []rune(b)
	if diff := len(ra) - len(rb); diff > limit || -diff > limit {
		return limit + 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return max(len(ra), len(rb))
	}

	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			v := min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				v = min(v, prev2[j-2]+1)
			}
			cur[j] = v
			rowMin = min(rowMin, v)
		}
		if rowMin > limit {
			return limit + 1
		}
		prev2, prev, cur = prev, cur, prev2
	}

	if d := prev[len(rb)]; d <= limit {
		return d
	}
	return limit + 1
}

// Confidence converts an edit distance into a score in [0,1].
func Confidence(distance, lenA, lenB int) float64 {
	longest := max(lenA, lenB)
	if longest == 0 {
		return 0
	}
	return 1 - float64(distance)/float64(longest)
}
