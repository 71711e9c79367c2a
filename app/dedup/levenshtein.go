package dedup

// distance returns the Levenshtein distance between a and b, or limit+1 as
// soon as it is known to exceed limit. Runes are compared, not bytes.
func distance(a, b string, limit int) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(rb)-len(ra) > limit {
		return limit + 1
	}
	if len(ra) == 0 {
		return len(rb)
	}

	row := make([]int, len(ra)+1)
	for i := range row {
		row[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		prev := row[0]
		row[0] = j
		best := row[0]
		for i := 1; i <= len(ra); i++ {
			cur := row[i]
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			row[i] = min(row[i]+1, row[i-1]+1, prev+cost)
			prev = cur
			best = min(best, row[i])
		}
		if best > limit {
			return limit + 1
		}
	}

	if row[len(ra)] > limit {
		return limit + 1
	}
	return row[len(ra)]
}

// threshold is the number of edits tolerated for a value of n runes.
func (c Config) threshold(n int) int {
	if n < c.MinLength {
		return 0
	}
	if n <= c.BaseLength {
		return c.MaxEdits
	}
	return c.MaxEdits * n / c.BaseLength
}
