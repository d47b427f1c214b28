package text

import (
	"strconv"
	"unicode/utf8"
)

// Reserved entries of the ASR token dictionary.
const (
	BlankToken = "#"
	// TargetEosToken ends a target when data_asr_eostoken is set.
	TargetEosToken = "$"
)

// PackReplabels replaces up to maxReps immediate repetitions of a token
// with the replabel token "1".."maxReps".
func PackReplabels(tokens []int, dict *Dictionary, maxReps int) ([]int, error) {
	if len(tokens) == 0 || maxReps <= 0 {
		return tokens, nil
	}
	repIdx := make([]int, maxReps+1)
	for i := 1; i <= maxReps; i++ {
		idx, err := dict.Index(strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		repIdx[i] = idx
	}
	var out []int
	prev, reps := -1, 0
	for _, tok := range tokens {
		if tok == prev && reps < maxReps {
			reps++
			continue
		}
		if reps > 0 {
			out = append(out, repIdx[reps])
			reps = 0
		}
		out = append(out, tok)
		prev = tok
	}
	if reps > 0 {
		out = append(out, repIdx[reps])
	}
	return out, nil
}

// UnpackReplabels is the inverse of PackReplabels. A replabel with nothing
// to repeat is dropped.
func UnpackReplabels(tokens []int, dict *Dictionary, maxReps int) []int {
	if maxReps <= 0 {
		return tokens
	}
	reps := make(map[int]int, maxReps)
	for i := 1; i <= maxReps; i++ {
		if idx, ok := dict.entry2idx[strconv.Itoa(i)]; ok {
			reps[idx] = i
		}
	}
	var out []int
	prev := -1
	for _, tok := range tokens {
		n, isRep := reps[tok]
		switch {
		case !isRep:
			out = append(out, tok)
			prev = tok
		case prev != -1:
			for i := 0; i < n; i++ {
				out = append(out, prev)
			}
			prev = -1
		}
	}
	return out
}

// SplitChars splits s into its UTF-8 characters.
func SplitChars(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for len(s) > 0 {
		_, size := utf8.DecodeRuneInString(s)
		out = append(out, s[:size])
		s = s[size:]
	}
	return out
}
