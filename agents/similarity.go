package agents

import "strings"

// similarityRatio computes the Ratcliff/Obershelp ratio of two strings
// in [0, 1]: twice the number of matching characters over the combined
// length, where matches are found by recursing around the longest
// common substring.
func similarityRatio(a, b string) float64 {
	ar := []rune(strings.ToLower(strings.TrimSpace(a)))
	br := []rune(strings.ToLower(strings.TrimSpace(b)))
	total := len(ar) + len(br)
	if total == 0 {
		return 0
	}
	return 2.0 * float64(matchingChars(ar, br)) / float64(total)
}

func matchingChars(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, n := longestCommonSubstring(a, b)
	if n == 0 {
		return 0
	}
	return n + matchingChars(a[:ai], b[:bi]) + matchingChars(a[ai+n:], b[bi+n:])
}

func longestCommonSubstring(a, b []rune) (ai, bi, n int) {
	// One-row DP; lengths here are titles and snippets, not documents.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > n {
					n = curr[j]
					ai = i - n
					bi = j - n
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return ai, bi, n
}
