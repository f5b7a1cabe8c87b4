// Package transform runs pluggable enrichment steps over captured messages
// before they are committed, without letting asynchronous completion reorder
// what reaches the data store.
package transform

import (
	"time"

	"github.com/drblury/heapflow/internal/runtime/models"
)

// Phase groups transformers. Only PhaseEarly is executed today.
type Phase int

const (
	PhaseEarly Phase = iota
)

func (p Phase) String() string {
	if p == PhaseEarly {
		return "early"
	}
	return "unknown"
}

// Transformer is a pluggable enrichment step. Transform may complete on any
// goroutine, at any time; if it has not called complete within Timeout the
// step is skipped and the event continues unchanged.
type Transformer interface {
	Name() string
	Timeout() time.Duration
	Phase() Phase
	Transform(event models.Transformable, complete func(models.Transformable))
}

// DefaultTimeout bounds a Func step whose TransformerTimeout is unset.
const DefaultTimeout = time.Second

// Func adapts a function to the Transformer interface.
type Func struct {
	TransformerName    string
	TransformerTimeout time.Duration
	Fn                 func(event models.Transformable, complete func(models.Transformable))
}

func (f Func) Name() string { return f.TransformerName }
func (f Func) Phase() Phase { return PhaseEarly }

// Timeout falls back to DefaultTimeout when TransformerTimeout is not
// positive.
func (f Func) Timeout() time.Duration {
	if f.TransformerTimeout <= 0 {
		return DefaultTimeout
	}
	return f.TransformerTimeout
}

func (f Func) Transform(event models.Transformable, complete func(models.Transformable)) {
	f.Fn(event, complete)
}
