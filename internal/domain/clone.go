package domain

// Structural clones for iteration snapshots. Archived groups must stay
// frozen while the live document keeps mutating, so every slice is copied.

func (q Question) Clone() Question {
	c := q
	if q.ExecutorImages != nil {
		c.ExecutorImages = append([]string(nil), q.ExecutorImages...)
	}
	if q.ReviewerImages != nil {
		c.ReviewerImages = append([]string(nil), q.ReviewerImages...)
	}
	return c
}

func (s Section) Clone() Section {
	c := Section{Name: s.Name}
	if s.Questions != nil {
		c.Questions = make([]Question, len(s.Questions))
		for i, q := range s.Questions {
			c.Questions[i] = q.Clone()
		}
	}
	return c
}

func (g Group) Clone() Group {
	c := Group{Name: g.Name, DefectCount: g.DefectCount}
	if g.Questions != nil {
		c.Questions = make([]Question, len(g.Questions))
		for i, q := range g.Questions {
			c.Questions[i] = q.Clone()
		}
	}
	if g.Sections != nil {
		c.Sections = make([]Section, len(g.Sections))
		for i, s := range g.Sections {
			c.Sections[i] = s.Clone()
		}
	}
	return c
}

func CloneGroups(groups []Group) []Group {
	if groups == nil {
		return nil
	}
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}
