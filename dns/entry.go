package dns

import (
	"github.com/tinylib/msgp/msgp"
)

// Entry is the cached form of one lookup. Addresses and PTR names are
// stored as strings; MX hosts keep their preference in Prefs at the same
// index.
type Entry struct {
	Records   []string
	Prefs     []uint16
	NotFound  bool
	Authentic bool
}

// MarshalMsg implements msgp.Marshaler
func (z *Entry) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 4)

	o = msgp.AppendString(o, "records")
	o = msgp.AppendArrayHeader(o, uint32(len(z.Records)))

	for _, r := range z.Records {
		o = msgp.AppendString(o, r)
	}

	o = msgp.AppendString(o, "prefs")
	o = msgp.AppendArrayHeader(o, uint32(len(z.Prefs)))

	for _, p := range z.Prefs {
		o = msgp.AppendUint16(o, p)
	}

	o = msgp.AppendString(o, "nx")
	o = msgp.AppendBool(o, z.NotFound)
	o = msgp.AppendString(o, "ad")
	o = msgp.AppendBool(o, z.Authentic)

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
		case "records":
			var n uint32

			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Records")
			}

			z.Records = make([]string, n)
			for i := range z.Records {
				z.Records[i], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return bts, msgp.WrapError(err, "Records", i)
				}
			}
		case "prefs":
			var n uint32

			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Prefs")
			}

			z.Prefs = make([]uint16, n)
			for i := range z.Prefs {
				z.Prefs[i], bts, err = msgp.ReadUint16Bytes(bts)
				if err != nil {
					return bts, msgp.WrapError(err, "Prefs", i)
				}
			}
		case "nx":
			z.NotFound, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "NotFound")
			}
		case "ad":
			z.Authentic, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "Authentic")
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
	s := 1 + 8 + msgp.ArrayHeaderSize

	for _, r := range z.Records {
		s += msgp.StringPrefixSize + len(r)
	}

	s += 6 + msgp.ArrayHeaderSize + len(z.Prefs)*msgp.Uint16Size
	s += 3 + msgp.BoolSize + 3 + msgp.BoolSize

	return s
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
