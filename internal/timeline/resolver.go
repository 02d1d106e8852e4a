package timeline

import (
	"context"
	"fmt"
	"time"
)

// AbsoluteResolver resolves objects whose enable windows are absolute times.
//
// On each layer the active object with the highest priority wins; ties go to
// the latest start and then to the lowest object id.
type AbsoluteResolver struct{}

// NewAbsoluteResolver returns the reference resolver.
func NewAbsoluteResolver() *AbsoluteResolver {
	return &AbsoluteResolver{}
}

// Resolve implements Resolver. The lookahead window does not limit the
// reported NextEventTime; callers decide whether it falls inside their window.
func (r *AbsoluteResolver) Resolve(ctx context.Context, objects []Object, at int64, _ time.Duration) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	if err := Validate(objects); err != nil {
		return Resolution{}, fmt.Errorf("resolving at %d: %w", at, err)
	}

	state := State{
		Time:   at,
		Layers: make(map[string]ResolvedObject),
	}
	var next *int64
	consider := func(t int64) {
		if t > at && (next == nil || t < *next) {
			v := t
			next = &v
		}
	}

	winners := make(map[string]Object)
	for _, o := range objects {
		end := o.Enable.EndTime()
		consider(o.Enable.Start)
		if end != nil {
			consider(*end)
		}

		if o.Enable.Start > at || (end != nil && at >= *end) {
			continue
		}
		if current, ok := winners[o.Layer]; !ok || beats(o, current) {
			winners[o.Layer] = o
		}
	}

	for layer, o := range winners {
		state.Layers[layer] = ResolvedObject{
			ObjectID: o.ID,
			Layer:    layer,
			Content:  o.Content,
			Instance: Instance{
				ID:            fmt.Sprintf("%s@%d", o.ID, o.Enable.Start),
				Start:         o.Enable.Start,
				End:           o.Enable.EndTime(),
				OriginalStart: o.Enable.Start,
			},
		}
	}

	return Resolution{State: state, NextEventTime: next}, nil
}

// beats reports whether a takes precedence over b on the same layer.
func beats(a, b Object) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Enable.Start != b.Enable.Start {
		return a.Enable.Start > b.Enable.Start
	}
	return a.ID < b.ID
}
