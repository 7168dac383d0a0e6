package trainer

import "math"

// PairLoss computes a pairwise ranking loss from a positive and a negative
// document score, returning the loss value and the gradient of the loss with
// respect to each score.
type PairLoss func(pos, neg float64) (loss, gradPos, gradNeg float64)

// HingeLoss is the pairwise margin loss max(0, 1 - (pos - neg)).
func HingeLoss(pos, neg float64) (float64, float64, float64) {
	margin := 1 - (pos - neg)
	if margin <= 0 {
		return 0, 0, 0
	}
	return margin, -1, 1
}

// SoftmaxLoss is the pairwise cross-entropy loss -log(softmax(pos)) over the
// two scores.
func SoftmaxLoss(pos, neg float64) (float64, float64, float64) {
	// Shift by the max for numerical stability.
	m := math.Max(pos, neg)
	ep := math.Exp(pos - m)
	en := math.Exp(neg - m)
	p := ep / (ep + en)
	loss := -math.Log(p)
	return loss, p - 1, 1 - p
}

func lossFor(softmax bool) PairLoss {
	if softmax {
		return SoftmaxLoss
	}
	return HingeLoss
}
