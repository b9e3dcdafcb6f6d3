package control

import (
	"errors"

	"github.com/tidwall/gjson"
)

var errNotObject = errors.New("control message must be a JSON object")

// ParseMessage flattens a JSON object into key/value strings. Numbers keep
// their literal text where it is an integer, booleans become "true"/"false"
// and nested values keep their raw JSON. A nested "values" object is merged
// into the top level, so {"type":"control","values":{"fft-size":2048}} and
// {"fft-size":2048} are equivalent.
func ParseMessage(data []byte) (map[string]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON in control message")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errNotObject
	}

	out := make(map[string]string)
	root.ForEach(func(key, value gjson.Result) bool {
		if key.String() == "values" && value.IsObject() {
			value.ForEach(func(k, v gjson.Result) bool {
				out[Canonical(k.String())] = v.String()
				return true
			})
			return true
		}
		out[Canonical(key.String())] = value.String()
		return true
	})
	return out, nil
}
