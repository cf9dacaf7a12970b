package unit

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the current unit container version.
const FormatVersion byte = 1

// Magic bytes for unit containers: "FNBU" (fnbridge Binary Unit)
var Magic = []byte{'F', 'N', 'B', 'U'}

// lz4FrameMagic starts every LZ4 frame (0x184D2204, little-endian).
var lz4FrameMagic = []byte{0x04, 0x22, 0x4D, 0x18}

// Format selects the payload codec.
type Format byte

const (
	FormatCBOR    Format = 'C'
	FormatMsgpack Format = 'M'
)

func (f Format) String() string {
	switch f {
	case FormatCBOR:
		return "cbor"
	case FormatMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("Format(%q)", byte(f))
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "cbor":
		return FormatCBOR, nil
	case "msgpack":
		return FormatMsgpack, nil
	}
	return 0, fmt.Errorf("unknown unit format %q", s)
}

var (
	// ErrBadMagic is returned when data is not a unit container.
	ErrBadMagic = errors.New("not a binary unit")
	// ErrUnsupportedVersion is returned for containers newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported unit version")
)

// EncodeOptions controls Encode.
type EncodeOptions struct {
	Format   Format
	Compress bool
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("unit: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Wire representation. Marker flags are pointers so that absent fields
// take their defaults on decode.

type wireMarker struct {
	Body         string   `cbor:"1,keyasint" msgpack:"body"`
	Args         []string `cbor:"2,keyasint,omitempty" msgpack:"args,omitempty"`
	Synchronous  *bool    `cbor:"3,keyasint,omitempty" msgpack:"sync,omitempty"`
	Retained     *bool    `cbor:"4,keyasint,omitempty" msgpack:"retained,omitempty"`
	CallbackMode *bool    `cbor:"5,keyasint,omitempty" msgpack:"callback,omitempty"`
}

type wireMember struct {
	Name     string      `cbor:"1,keyasint" msgpack:"name"`
	Desc     string      `cbor:"2,keyasint" msgpack:"desc"`
	Static   bool        `cbor:"3,keyasint,omitempty" msgpack:"static,omitempty"`
	Marker   *wireMarker `cbor:"4,keyasint,omitempty" msgpack:"marker,omitempty"`
	Code     []byte      `cbor:"5,keyasint,omitempty" msgpack:"code,omitempty"`
	Fallback []byte      `cbor:"6,keyasint,omitempty" msgpack:"fallback,omitempty"`
}

type wireSlot struct {
	Name    string `cbor:"1,keyasint" msgpack:"name"`
	Member  string `cbor:"2,keyasint" msgpack:"member"`
	Ordinal int    `cbor:"3,keyasint" msgpack:"ordinal"`
}

type wireCallback struct {
	Type    string `cbor:"1,keyasint" msgpack:"type"`
	Method  string `cbor:"2,keyasint" msgpack:"method"`
	Desc    string `cbor:"3,keyasint" msgpack:"desc"`
	Raw     bool   `cbor:"4,keyasint,omitempty" msgpack:"raw,omitempty"`
	Mangled string `cbor:"5,keyasint" msgpack:"mangled"`
}

type wireUnit struct {
	Name      string         `cbor:"1,keyasint" msgpack:"name"`
	Resource  string         `cbor:"2,keyasint,omitempty" msgpack:"resource,omitempty"`
	Members   []wireMember   `cbor:"3,keyasint" msgpack:"members"`
	Slots     []wireSlot     `cbor:"4,keyasint,omitempty" msgpack:"slots,omitempty"`
	Callbacks []wireCallback `cbor:"5,keyasint,omitempty" msgpack:"callbacks,omitempty"`
	Rewritten bool           `cbor:"6,keyasint,omitempty" msgpack:"rewritten,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func toWire(u *Unit) *wireUnit {
	w := &wireUnit{Name: u.Name, Rewritten: u.Rewritten}
	if u.Resource != nil {
		w.Resource = u.Resource.Path
	}
	for _, m := range u.Members {
		wm := wireMember{Name: m.Name, Desc: m.Desc, Static: m.Static, Code: m.Code, Fallback: m.Fallback}
		if mk := m.Marker; mk != nil {
			wm.Marker = &wireMarker{Body: mk.Body, Args: mk.Args}
			// Defaults are left implicit.
			if !mk.Synchronous {
				wm.Marker.Synchronous = boolPtr(false)
			}
			if !mk.Retained {
				wm.Marker.Retained = boolPtr(false)
			}
			if mk.CallbackMode {
				wm.Marker.CallbackMode = boolPtr(true)
			}
		}
		w.Members = append(w.Members, wm)
	}
	for _, s := range u.Slots {
		w.Slots = append(w.Slots, wireSlot{Name: s.Name, Member: s.Site.Member, Ordinal: s.Site.Ordinal})
	}
	for _, c := range u.Callbacks {
		w.Callbacks = append(w.Callbacks, wireCallback(c))
	}
	return w
}

func fromWire(w *wireUnit) *Unit {
	u := &Unit{Name: w.Name, Rewritten: w.Rewritten}
	if w.Resource != "" {
		u.Resource = &ResourceMarker{Path: w.Resource}
	}
	for _, wm := range w.Members {
		m := &Member{Name: wm.Name, Desc: wm.Desc, Static: wm.Static, Code: wm.Code, Fallback: wm.Fallback}
		if mk := wm.Marker; mk != nil {
			m.Marker = &Marker{
				Body:         mk.Body,
				Args:         mk.Args,
				Synchronous:  boolOr(mk.Synchronous, true),
				Retained:     boolOr(mk.Retained, true),
				CallbackMode: boolOr(mk.CallbackMode, false),
			}
		}
		u.Members = append(u.Members, m)
	}
	for _, s := range w.Slots {
		u.Slots = append(u.Slots, Slot{Name: s.Name, Site: CallSite{Type: w.Name, Member: s.Member, Ordinal: s.Ordinal}})
	}
	for _, c := range w.Callbacks {
		u.Callbacks = append(u.Callbacks, CallbackRef(c))
	}
	return u
}

// Encode serializes u into a unit container.
func Encode(u *Unit, opts EncodeOptions) ([]byte, error) {
	format := opts.Format
	if format == 0 {
		format = FormatCBOR
	}

	var buf bytes.Buffer
	buf.Write(Magic)
	buf.WriteByte(FormatVersion)
	buf.WriteByte(byte(format))

	w := toWire(u)
	switch format {
	case FormatCBOR:
		payload, err := cborEncMode.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("unit: encode %s: %w", u.Name, err)
		}
		buf.Write(payload)
	case FormatMsgpack:
		enc := msgpack.NewEncoder(&buf)
		enc.SetSortMapKeys(true)
		if err := enc.Encode(w); err != nil {
			return nil, fmt.Errorf("unit: encode %s: %w", u.Name, err)
		}
	default:
		return nil, fmt.Errorf("unit: encode %s: unknown format %v", u.Name, format)
	}

	if !opts.Compress {
		return buf.Bytes(), nil
	}
	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("unit: compress %s: %w", u.Name, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("unit: compress %s: %w", u.Name, err)
	}
	return out.Bytes(), nil
}

// Decode parses a unit container, transparently inflating LZ4 frames.
func Decode(data []byte) (*Unit, error) {
	data, _, err := inflate(data)
	if err != nil {
		return nil, err
	}
	if len(data) < 6 || !bytes.Equal(data[:4], Magic) {
		return nil, ErrBadMagic
	}
	if data[4] > FormatVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedVersion, data[4], FormatVersion)
	}

	var w wireUnit
	payload := data[6:]
	switch Format(data[5]) {
	case FormatCBOR:
		if err := cbor.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("unit: unmarshal: %w", err)
		}
	case FormatMsgpack:
		if err := msgpack.NewDecoder(bytes.NewReader(payload)).Decode(&w); err != nil {
			return nil, fmt.Errorf("unit: unmarshal: %w", err)
		}
	default:
		return nil, fmt.Errorf("unit: unknown format tag %q", data[5])
	}
	return fromWire(&w), nil
}

// Inspect reports the codec and compression of an encoded container
// without decoding the payload.
func Inspect(data []byte) (EncodeOptions, error) {
	raw, compressed, err := inflate(data)
	if err != nil {
		return EncodeOptions{}, err
	}
	if len(raw) < 6 || !bytes.Equal(raw[:4], Magic) {
		return EncodeOptions{}, ErrBadMagic
	}
	return EncodeOptions{Format: Format(raw[5]), Compress: compressed}, nil
}

func inflate(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, lz4FrameMagic) {
		return data, false, nil
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, true, fmt.Errorf("unit: inflate: %w", err)
	}
	return raw, true, nil
}
