package engine

import "reviewline/internal/domain"

// mismatch reports disagreement on one question: both sides answered and the
// answers differ. Unanswered sides never count.
func mismatch(q domain.Question) bool {
	return q.ExecutorAnswer != "" && q.ReviewerAnswer != "" && q.ExecutorAnswer != q.ReviewerAnswer
}

func groupMismatches(g domain.Group) int {
	n := 0
	for _, q := range g.Questions {
		if mismatch(q) {
			n++
		}
	}
	for _, s := range g.Sections {
		for _, q := range s.Questions {
			if mismatch(q) {
				n++
			}
		}
	}
	return n
}

// AccumulateDefects adds each group's current mismatch count onto its
// cumulative defect counter and returns the total added. Counters only ever
// grow; resolving a mismatch before the next submission stops further
// growth but never rolls history back.
func AccumulateDefects(groups []domain.Group) int {
	total := 0
	for i := range groups {
		n := groupMismatches(groups[i])
		groups[i].DefectCount += n
		total += n
	}
	return total
}

// TotalDefects sums the cumulative group counters.
func TotalDefects(groups []domain.Group) int {
	total := 0
	for _, g := range groups {
		total += g.DefectCount
	}
	return total
}
