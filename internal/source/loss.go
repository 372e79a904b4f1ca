package source

type lossAction int

const (
	// lossRetry polls again.
	lossRetry lossAction = iota

	// lossEmpty emits a zero-length buffer.
	lossEmpty

	// lossFatal declares the stream closed.
	lossFatal
)

// lossClassifier tracks consecutive polls without audio within one create
// call and decides what each further loss means.
type lossClassifier struct {
	threshold int
	failures  int
}

func newLossClassifier(threshold int) *lossClassifier {
	return &lossClassifier{threshold: threshold}
}

// audio records a received audio frame.
func (c *lossClassifier) audio() { c.failures = 0 }

// loss records a no-frame or error result. With threshold N > 0 the first N
// losses retry and loss N+1 is fatal; threshold 0 never fails.
func (c *lossClassifier) loss() lossAction {
	if c.threshold == 0 {
		return lossEmpty
	}
	if c.failures < c.threshold {
		c.failures++
		return lossRetry
	}
	return lossFatal
}
