package mathextra

func EwmaAdd(ewma float64, weight float64, ob float64) float64 {
	return (1-weight)*ewma + weight*ob
}

// Ewma starts at its first observation instead of at zero.
type Ewma struct {
	Weight float64
	value  float64
	primed bool
}

func (e *Ewma) Add(ob float64) float64 {
	if !e.primed {
		e.value = ob
		e.primed = true
		return e.value
	}
	e.value = EwmaAdd(e.value, e.Weight, ob)
	return e.value
}

func (e *Ewma) Value() float64 {
	return e.value
}
