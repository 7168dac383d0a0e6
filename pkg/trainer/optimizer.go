package trainer

import (
	"math"

	"github.com/soundprediction/rerankbench/pkg/reranker"
)

// Adam applies Adam updates to a model's trainable parameters. Its moment
// estimates are exported as a flat state map so they ride along with the
// per-iteration weight checkpoints.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	step  int
	m     map[string][]float64
	v     map[string][]float64
}

// NewAdam returns an optimizer with the usual Adam defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     map[string][]float64{},
		v:     map[string][]float64{},
	}
}

// Step applies one update from the model's accumulated gradients. Frozen
// parameters are left untouched.
func (o *Adam) Step(model reranker.Model) {
	o.step++
	params := model.Parameters()
	grads := model.Gradients()
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for name, p := range params {
		if !model.Trainable(name) {
			continue
		}
		g, ok := grads[name]
		if !ok {
			continue
		}
		if _, ok := o.m[name]; !ok {
			o.m[name] = make([]float64, len(p))
			o.v[name] = make([]float64, len(p))
		}
		m, v := o.m[name], o.v[name]
		for i := range p {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g[i]
			v[i] = o.beta2*v[i] + (1-o.beta2)*g[i]*g[i]
			p[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.eps)
		}
	}
}

// StateMap flattens the optimizer state for checkpointing.
func (o *Adam) StateMap() map[string][]float64 {
	out := map[string][]float64{"step": {float64(o.step)}}
	for name, m := range o.m {
		out["m:"+name] = append([]float64(nil), m...)
	}
	for name, v := range o.v {
		out["v:"+name] = append([]float64(nil), v...)
	}
	return out
}

// Restore replaces the optimizer state with a previously checkpointed map.
// A nil or empty map resets the optimizer to a fresh start.
func (o *Adam) Restore(state map[string][]float64) {
	o.step = 0
	o.m = map[string][]float64{}
	o.v = map[string][]float64{}
	for name, vals := range state {
		switch {
		case name == "step":
			if len(vals) == 1 {
				o.step = int(vals[0])
			}
		case len(name) > 2 && name[:2] == "m:":
			o.m[name[2:]] = append([]float64(nil), vals...)
		case len(name) > 2 && name[:2] == "v:":
			o.v[name[2:]] = append([]float64(nil), vals...)
		}
	}
}
