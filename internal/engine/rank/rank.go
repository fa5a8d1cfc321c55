// Package rank derives an agent's rank from cumulative points. Rank is never
// stored independently of being recomputable from points.
package rank

// Tier is one rung of the ladder. MinPoints bounds are ascending and
// non-overlapping; the last tier is unbounded above.
type Tier struct {
	Name      string
	MinPoints int
}

// Ladder is an ordered set of tiers, lowest first.
type Ladder []Tier

// Default mirrors the standard household ladder.
func Default() Ladder {
	return Ladder{
		{Name: "RECRUIT", MinPoints: 0},
		{Name: "JUNIOR AGENT", MinPoints: 51},
		{Name: "FIELD AGENT", MinPoints: 151},
		{Name: "ELITE AGENT", MinPoints: 301},
		{Name: "MASTER AGENT", MinPoints: 501},
		{Name: "LEGENDARY AGENT", MinPoints: 1001},
	}
}

// For returns the highest tier whose lower bound is at most points.
// Total and deterministic for any non-negative balance.
func (l Ladder) For(points int) Tier {
	if len(l) == 0 {
		return Tier{}
	}
	cur := l[0]
	for _, t := range l[1:] {
		if points < t.MinPoints {
			break
		}
		cur = t
	}
	return cur
}

// Next returns the tier above the current one, or false at the top.
func (l Ladder) Next(points int) (Tier, bool) {
	for _, t := range l {
		if points < t.MinPoints {
			return t, true
		}
	}
	return Tier{}, false
}

// PointsToNext returns how many points are missing for the next tier,
// zero at the top.
func (l Ladder) PointsToNext(points int) int {
	next, ok := l.Next(points)
	if !ok {
		return 0
	}
	return next.MinPoints - points
}

// Progress returns percent progress through the current tier, clamped to
// 100 at the top tier.
func (l Ladder) Progress(points int) int {
	cur := l.For(points)
	next, ok := l.Next(points)
	if !ok {
		return 100
	}
	total := next.MinPoints - cur.MinPoints
	if total <= 0 {
		return 100
	}
	p := (points - cur.MinPoints) * 100 / total
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
