package engine

import "encoding/json"

// toOutgoingOp serializes a discovered step's descriptor into the wire
// form reported to the Executor. data, stepErr, and timing are populated
// only once the step has actually executed; for a bare discovery report
// they are left nil.
func toOutgoingOp(d Descriptor, data json.RawMessage, stepErr any, timing *Interval) OutgoingOp {
	opts := d.Opts
	op := OutgoingOp{
		ID:          d.HashedID,
		Op:          d.Op,
		Name:        d.Name,
		DisplayName: d.DisplayName,
		Opts:        &opts,
		Userland:    d.ID,
		Timing:      timing,
	}
	if len(data) > 0 {
		op.Data = data
	}
	if stepErr != nil {
		op.Error = stepErr
	}
	return op
}

func serializeError(err error) map[string]any {
	if err == nil {
		return nil
	}
	m := map[string]any{"name": "Error", "message": err.Error()}
	if cause := unwrapCause(err); cause != nil {
		m["cause"] = cause.Error()
	}
	return m
}

func unwrapCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// orNull normalizes an absent step result to the JSON literal null so that
// an outgoing op's data field is never an empty byte slice.
func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// toJSONOrNull marshals v, collapsing a Go nil to the JSON literal null
// rather than an absent field.
func toJSONOrNull(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
