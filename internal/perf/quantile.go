package perf

// P2Estimator implements Jain & Chlamtac's P² algorithm for streaming
// quantile estimation — constant memory (5 markers), no sample retention,
// suited to the continuous performance-sample stream spec §4.9 describes.
type P2Estimator struct {
	p          float64
	n          [5]int
	nDesired   [5]float64
	increment  [5]float64
	q          [5]float64
	count      int
}

// NewP2Estimator creates an estimator for the p-th quantile (0 < p < 1).
func NewP2Estimator(p float64) *P2Estimator {
	return &P2Estimator{p: p}
}

// Observe feeds one new sample into the estimator.
func (e *P2Estimator) Observe(x float64) {
	e.count++

	if e.count <= 5 {
		e.insertInitial(x)
		if e.count == 5 {
			e.initMarkers()
		}
		return
	}

	k := e.findCell(x)
	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.nDesired[i] += e.increment[i]
	}

	for i := 1; i < 4; i++ {
		d := e.nDesired[i] - float64(e.n[i])
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			qNew := e.parabolic(i, sign)
			if e.q[i-1] < qNew && qNew < e.q[i+1] {
				e.q[i] = qNew
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.n[i] += int(sign)
		}
	}
}

// Quantile returns the current estimate. Undefined (returns 0) until at
// least 5 samples have been observed.
func (e *P2Estimator) Quantile() float64 {
	if e.count < 5 {
		return 0
	}
	return e.q[2]
}

func (e *P2Estimator) insertInitial(x float64) {
	idx := e.count - 1
	e.q[idx] = x
	// Keep the first 5 observations sorted in-place (insertion sort — n is
	// fixed at 5 so this is effectively O(1)).
	for i := idx; i > 0 && e.q[i-1] > e.q[i]; i-- {
		e.q[i-1], e.q[i] = e.q[i], e.q[i-1]
	}
}

func (e *P2Estimator) initMarkers() {
	for i := 0; i < 5; i++ {
		e.n[i] = i + 1
	}
	e.nDesired[0] = 1
	e.nDesired[1] = 1 + 2*e.p
	e.nDesired[2] = 1 + 4*e.p
	e.nDesired[3] = 3 + 2*e.p
	e.nDesired[4] = 5
	e.increment[0] = 0
	e.increment[1] = e.p / 2
	e.increment[2] = e.p
	e.increment[3] = (1 + e.p) / 2
	e.increment[4] = 1
}

func (e *P2Estimator) findCell(x float64) int {
	switch {
	case x < e.q[0]:
		e.q[0] = x
		return 0
	case x < e.q[1]:
		return 0
	case x < e.q[2]:
		return 1
	case x < e.q[3]:
		return 2
	case x <= e.q[4]:
		return 3
	default:
		e.q[4] = x
		return 3
	}
}

func (e *P2Estimator) parabolic(i int, d float64) float64 {
	np1, n, nm1 := float64(e.n[i+1]), float64(e.n[i]), float64(e.n[i-1])
	qp1, q, qm1 := e.q[i+1], e.q[i], e.q[i-1]
	return q + d/(np1-nm1)*((n-nm1+d)*(qp1-q)/(np1-n)+(np1-n-d)*(q-qm1)/(n-nm1))
}

func (e *P2Estimator) linear(i int, d float64) float64 {
	sign := int(d)
	return e.q[i] + d*(e.q[i+sign]-e.q[i])/float64(e.n[i+sign]-e.n[i])
}
