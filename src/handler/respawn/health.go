package respawn

// healthLocked computes the 0-100 observability score. It never gates
// behavior. Caller holds the controller lock.
func (c *Controller) healthLocked() int {
	score := 100.0

	// Cycle success ratio: cycles that showed progress.
	if c.stats.Cycles > 0 {
		ratio := float64(c.stats.CyclesWithProgress) / float64(c.stats.Cycles)
		score -= (1 - ratio) * 30
	}

	// Circuit breaker position.
	switch c.breaker.State() {
	case BreakerHalfOpen:
		score -= 20
	case BreakerOpen:
		score -= 50
	}

	// Arbiter error rate.
	if c.stats.AICalls > 0 {
		errRate := float64(c.stats.AIErrors) / float64(c.stats.AICalls)
		score -= errRate * 15
	}

	// Stuck recoveries indicate a session that keeps wedging.
	penalty := float64(c.stats.StuckRecoveries) * 5
	if penalty > 15 {
		penalty = 15
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	return int(score + 0.5)
}
