package receiver

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// idFieldSizes lists the OTLP id fields and their decoded length.
var idFieldSizes = map[protoreflect.Name]int{
	"trace_id":       16,
	"span_id":        8,
	"parent_span_id": 8,
}

// unmarshalJSON decodes an OTLP/JSON body. OTLP/JSON carries ids as hex
// strings while protojson reads bytes fields as base64; hex digits are valid
// base64, so the ids are repaired after decoding.
func unmarshalJSON(body []byte, msg proto.Message) error {
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, msg); err != nil {
		return err
	}
	return fixHexIDs(msg.ProtoReflect())
}

func fixHexIDs(m protoreflect.Message) error {
	type fix struct {
		fd protoreflect.FieldDescriptor
		id []byte
	}
	var (
		fixes []fix
		err   error
	)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
		case fd.Kind() == protoreflect.BytesKind && !fd.IsList():
			size, ok := idFieldSizes[fd.Name()]
			if !ok {
				return true
			}
			var id []byte
			if id, err = hexID(v.Bytes(), size); err != nil {
				err = fmt.Errorf("%s: %w", fd.JSONName(), err)
				return false
			}
			fixes = append(fixes, fix{fd, id})
		case fd.Kind() == protoreflect.MessageKind && fd.IsList():
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				if err = fixHexIDs(list.Get(i).Message()); err != nil {
					return false
				}
			}
		case fd.Kind() == protoreflect.MessageKind:
			err = fixHexIDs(v.Message())
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, f := range fixes {
		m.Set(f.fd, protoreflect.ValueOfBytes(f.id))
	}
	return nil
}

// hexID recovers an id of size bytes that protojson read as base64.
// Values that already have the right length are kept.
func hexID(raw []byte, size int) ([]byte, error) {
	switch len(raw) {
	case 0, size:
		return raw, nil
	case size * 3 / 2:
		// 2*size hex characters decode to 1.5*size base64 bytes
		id, err := hex.DecodeString(base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			return nil, errors.New("id is not hex encoded")
		}
		return id, nil
	default:
		return nil, fmt.Errorf("id must be %d hex characters", 2*size)
	}
}
