package whois

import (
	"github.com/tinylib/msgp/msgp"
)

// Entry is the cached form of one lookup.
type Entry struct {
	Server        string
	Registrar     string
	Created       int64 // unix seconds, 0 when unknown
	NotRegistered bool
	NoDate        bool
}

// MarshalMsg implements msgp.Marshaler
func (z *Entry) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 5)
	o = msgp.AppendString(o, "srv")
	o = msgp.AppendString(o, z.Server)
	o = msgp.AppendString(o, "reg")
	o = msgp.AppendString(o, z.Registrar)
	o = msgp.AppendString(o, "ct")
	o = msgp.AppendInt64(o, z.Created)
	o = msgp.AppendString(o, "nr")
	o = msgp.AppendBool(o, z.NotRegistered)
	o = msgp.AppendString(o, "nd")
	o = msgp.AppendBool(o, z.NoDate)

	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Entry) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var fields uint32

	fields, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err)
	}

	for ; fields > 0; fields-- {
		var field []byte

		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err)
		}

		switch msgp.UnsafeString(field) {
		case "srv":
			z.Server, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Server")
			}
		case "reg":
			z.Registrar, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Registrar")
			}
		case "ct":
			z.Created, bts, err = msgp.ReadInt64Bytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Created")
			}
		case "nr":
			z.NotRegistered, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "NotRegistered")
			}
		case "nd":
			z.NoDate, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "NoDate")
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				return bts, msgp.WrapError(err)
			}
		}
	}

	return bts, nil
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (z *Entry) Msgsize() int {
	return 1 + 4 + msgp.StringPrefixSize + len(z.Server) + 4 + msgp.StringPrefixSize + len(z.Registrar) +
		3 + msgp.Int64Size + 3 + msgp.BoolSize + 3 + msgp.BoolSize
}

// EntryCodec encodes entries with MessagePack for byte stores such as redis.
type EntryCodec struct{}

func (EntryCodec) Encode(val *Entry) ([]byte, error) {
	return val.MarshalMsg(nil)
}

func (EntryCodec) Decode(b []byte) (*Entry, error) {
	e := new(Entry)
	if _, err := e.UnmarshalMsg(b); err != nil {
		return nil, err
	}

	return e, nil
}
