package handoff

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/stepd/internal/fault"
)

const unpackOp = "unpack reduced config"

func decodeErr(format string, args ...any) error {
	return fault.Newf(fault.Decode, unpackOp, format, args...)
}

// UnpackReduced decodes a buffer produced by Pack. Every malformed input is
// reported as a fault.Decode error and yields no partial result.
func UnpackReduced(buf []byte) (*Reduced, error) {
	if len(buf) < headerLen+sumLen {
		return nil, decodeErr("buffer too short: %d bytes", len(buf))
	}
	if string(buf[0:4]) != Magic {
		return nil, decodeErr("bad magic %q", buf[0:4])
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != Version {
		return nil, decodeErr("unsupported version %d", v)
	}
	if n := binary.BigEndian.Uint16(buf[6:8]); n != FieldCount {
		return nil, decodeErr("field count %d, want %d", n, FieldCount)
	}
	bodyLen := int(binary.BigEndian.Uint32(buf[8:12]))
	if bodyLen > maxBodyLen {
		return nil, decodeErr("body length %d exceeds limit", bodyLen)
	}
	if want := headerLen + bodyLen + sumLen; len(buf) != want {
		return nil, decodeErr("buffer is %d bytes, header declares %d", len(buf), want)
	}

	signed := buf[:headerLen+bodyLen]
	sum := blake3.Sum256(signed)
	if !bytes.Equal(sum[:], buf[headerLen+bodyLen:]) {
		return nil, decodeErr("checksum mismatch")
	}

	rd := bytes.NewReader(buf[headerLen : headerLen+bodyLen])
	d := fieldDecoder{dec: msgpack.NewDecoder(rd), rd: rd}
	r := d.decode()
	if d.err != nil {
		return nil, d.err
	}
	if rd.Len() != 0 {
		return nil, decodeErr("%d trailing bytes after body", rd.Len())
	}
	return r, nil
}

// fieldDecoder reads typed values and keeps the first failure.
type fieldDecoder struct {
	dec *msgpack.Decoder
	rd  *bytes.Reader
	err error
}

func (d *fieldDecoder) decode() *Reduced {
	if n := d.arrayLen("body"); d.err == nil && n != FieldCount {
		d.err = decodeErr("body holds %d fields, want %d", n, FieldCount)
	}

	r := &Reduced{}
	r.NodeName = d.str("node name")
	r.Hostname = d.str("hostname")
	r.SpoolDir = d.str("spool dir")
	r.LogFile = d.str("log file")
	r.LogLevel = d.str("log level")
	n := d.arrayLen("debug flags")
	if d.err == nil && n > d.rd.Len() {
		// Every element takes at least one byte.
		d.err = decodeErr("debug flags: %d entries exceed remaining body", n)
	}
	if d.err == nil && n > 0 {
		r.DebugFlags = make([]string, 0, n)
		for i := 0; i < n; i++ {
			r.DebugFlags = append(r.DebugFlags, d.str("debug flag"))
		}
	}
	uid := d.int("daemon uid")
	if d.err == nil && (uid < 0 || uid > math.MaxUint32) {
		d.err = decodeErr("daemon uid %d out of range", uid)
	}
	r.DaemonUID = uint32(uid)
	r.TaskProlog = d.str("task prolog")
	r.TaskEpilog = d.str("task epilog")
	r.TaskScriptTimeout = time.Duration(d.int("task script timeout"))
	r.KillWait = time.Duration(d.int("kill wait"))
	r.PropagatePrio = d.bool("propagate prio")
	r.Limits.NoFile = d.int("limit nofile")
	r.Limits.Core = d.int("limit core")
	r.Limits.Stack = d.int("limit stack")
	r.Limits.MemLock = d.int("limit memlock")
	return r
}

func (d *fieldDecoder) peek(field string) (byte, bool) {
	if d.err != nil {
		return 0, false
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		d.err = decodeErr("%s: %w", field, err)
		return 0, false
	}
	return c, true
}

func (d *fieldDecoder) str(field string) string {
	c, ok := d.peek(field)
	if !ok {
		return ""
	}
	if !msgpcode.IsString(c) {
		d.err = decodeErr("%s: expected string, got code 0x%02x", field, c)
		return ""
	}
	s, err := d.dec.DecodeString()
	if err != nil {
		d.err = decodeErr("%s: %w", field, err)
	}
	return s
}

func (d *fieldDecoder) int(field string) int64 {
	c, ok := d.peek(field)
	if !ok {
		return 0
	}
	if !msgpcode.IsFixedNum(c) && (c < msgpcode.Uint8 || c > msgpcode.Int64) {
		d.err = decodeErr("%s: expected integer, got code 0x%02x", field, c)
		return 0
	}
	if c == msgpcode.Uint64 {
		u, err := d.dec.DecodeUint64()
		if err != nil {
			d.err = decodeErr("%s: %w", field, err)
			return 0
		}
		if u > math.MaxInt64 {
			d.err = decodeErr("%s: value %d overflows int64", field, u)
			return 0
		}
		return int64(u)
	}
	v, err := d.dec.DecodeInt64()
	if err != nil {
		d.err = decodeErr("%s: %w", field, err)
	}
	return v
}

func (d *fieldDecoder) bool(field string) bool {
	c, ok := d.peek(field)
	if !ok {
		return false
	}
	if c != msgpcode.True && c != msgpcode.False {
		d.err = decodeErr("%s: expected bool, got code 0x%02x", field, c)
		return false
	}
	v, err := d.dec.DecodeBool()
	if err != nil {
		d.err = decodeErr("%s: %w", field, err)
		return false
	}
	return v
}

func (d *fieldDecoder) arrayLen(field string) int {
	c, ok := d.peek(field)
	if !ok {
		return 0
	}
	if !msgpcode.IsFixedArray(c) && c != msgpcode.Array16 && c != msgpcode.Array32 {
		d.err = decodeErr("%s: expected array, got code 0x%02x", field, c)
		return 0
	}
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		d.err = decodeErr("%s: %w", field, err)
		return 0
	}
	return n
}
