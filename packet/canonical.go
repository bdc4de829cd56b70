package packet

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/metagate-io/metagate/errors"
)

// CanonicalJSON encodes a value with sorted object keys and stable scalar
// formatting, so semantically identical content always serializes to
// identical bytes regardless of map iteration order. This is the input to
// the content fingerprint.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		// Only reached for values built in code; decoded documents carry
		// json.Number. 'g' matches encoding/json for round numbers.
		buf.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "encode string")
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, inner := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, inner); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeCanonicalMap(buf, t)
	case Document:
		return writeCanonicalMap(buf, t)
	default:
		return errors.Newf("cannot canonicalize value of type %T", v)
	}
	return nil
}

func writeCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		enc, err := json.Marshal(k)
		if err != nil {
			return errors.Wrap(err, "encode key")
		}
		buf.Write(enc)
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
