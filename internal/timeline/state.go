package timeline

import (
	"context"
	"time"
)

// Instance is the timing of one resolved occurrence of an object.
type Instance struct {
	ID    string `json:"id"`
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`

	// OriginalStart is the start before any override shifted it.
	OriginalStart int64 `json:"originalStart"`
}

// ResolvedObject is the object active on a layer at a point in time.
type ResolvedObject struct {
	ObjectID string   `json:"objectId"`
	Layer    string   `json:"layer"`
	Content  Content  `json:"-"`
	Instance Instance `json:"instance"`
}

// State is the resolved timeline at Time. It is never mutated after the
// resolver returns it.
type State struct {
	Time   int64                     `json:"time"`
	Layers map[string]ResolvedObject `json:"layers"`
}

// Resolution is the result of one resolver call.
type Resolution struct {
	State State

	// NextEventTime is the next time after State.Time at which the resolved
	// state may change, nil when nothing further is scheduled.
	NextEventTime *int64
}

// Resolver evaluates a timeline at a point in time.
type Resolver interface {
	Resolve(ctx context.Context, objects []Object, at int64, lookahead time.Duration) (Resolution, error)
}
