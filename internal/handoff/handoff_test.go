package handoff

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/fault"
)

func sampleReduced() *Reduced {
	return &Reduced{
		NodeName:          "n01",
		Hostname:          "n01.cluster.local",
		SpoolDir:          "/var/spool/stepd",
		LogFile:           "/var/log/stepd.log",
		LogLevel:          "debug",
		DebugFlags:        []string{"steps", "fabric"},
		DaemonUID:         0,
		TaskProlog:        "/etc/stepd/task_prolog",
		TaskEpilog:        "",
		TaskScriptTimeout: 90 * time.Second,
		KillWait:          -1,
		PropagatePrio:     true,
		Limits: Limits{
			NoFile:  65536,
			Core:    config.LimitUnlimited,
			Stack:   config.LimitInherit,
			MemLock: 0,
		},
	}
}

// values mirrors the body field order of sampleReduced.
func values() []any {
	return []any{
		"n01", "n01.cluster.local", "/var/spool/stepd", "/var/log/stepd.log", "debug",
		[]string{"steps", "fabric"}, uint32(0), "/etc/stepd/task_prolog", "",
		int64(90 * time.Second), int64(-1), true,
		int64(65536), config.LimitUnlimited, config.LimitInherit, int64(0),
	}
}

// frame wraps body in a correctly signed header.
func frame(t *testing.T, body []byte, fields uint16) []byte {
	t.Helper()
	buf := make([]byte, headerLen)
	copy(buf, Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], fields)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	buf = append(buf, body...)
	sum := blake3.Sum256(buf)
	return append(buf, sum[:]...)
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPackUnpackRoundTrip(t *testing.T) {
	want := sampleReduced()
	buf, err := Pack(want)
	require.NoError(t, err)

	got, err := UnpackReduced(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRoundTripEmptyValues(t *testing.T) {
	want := &Reduced{Limits: Limits{NoFile: config.LimitInherit, Core: config.LimitInherit, Stack: config.LimitInherit, MemLock: config.LimitInherit}}
	buf, err := Pack(want)
	require.NoError(t, err)

	got, err := UnpackReduced(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Nil(t, got.DebugFlags)
}

func TestHandCraftedBodyMatchesPack(t *testing.T) {
	got, err := UnpackReduced(frame(t, marshal(t, values()), FieldCount))
	require.NoError(t, err)
	assert.Equal(t, sampleReduced(), got)
}

func TestPackReducedFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Node.Name = "n07"
	cfg.Daemon.UserID = 0
	cfg.Scripts.TaskProlog = "/etc/stepd/tp"
	cfg.Tasks.Limits = config.LimitsConfig{NoFile: "1024", Core: "unlimited"}

	buf, err := PackReduced(cfg)
	require.NoError(t, err)

	got, err := UnpackReduced(buf)
	require.NoError(t, err)
	assert.Equal(t, "n07", got.NodeName)
	assert.Equal(t, cfg.Node.SpoolDir, got.SpoolDir)
	assert.Equal(t, "/etc/stepd/tp", got.TaskProlog)
	assert.Equal(t, cfg.Scripts.KillWait, got.KillWait)
	assert.Equal(t, Limits{NoFile: 1024, Core: config.LimitUnlimited, Stack: config.LimitInherit, MemLock: config.LimitInherit}, got.Limits)

	cfg.Tasks.Limits.Stack = "huge"
	_, err = PackReduced(cfg)
	assert.Error(t, err)
	_, err = Pack(nil)
	assert.Error(t, err)
}

func TestUnpackRejects(t *testing.T) {
	valid, err := Pack(sampleReduced())
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	wrongType := values()
	wrongType[0] = 5
	wrongBool := values()
	wrongBool[11] = "yes"
	wrongUID := values()
	wrongUID[6] = int64(-3)
	tooFew := values()[:15]

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"too short", valid[:headerLen+sumLen-1]},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"bad version", mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:6], 2); return b })},
		{"bad field count", mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[6:8], 15); return b })},
		{"truncated", valid[:len(valid)-1]},
		{"extra byte after checksum", append(append([]byte(nil), valid...), 0)},
		{"checksum mismatch", mutate(func(b []byte) []byte { b[headerLen+2] ^= 0xff; return b })},
		{"trailing body bytes", frame(t, append(marshal(t, values()), 0xc0), FieldCount)},
		{"wrong string type", frame(t, marshal(t, wrongType), FieldCount)},
		{"wrong bool type", frame(t, marshal(t, wrongBool), FieldCount)},
		{"uid out of range", frame(t, marshal(t, wrongUID), FieldCount)},
		{"short array", frame(t, marshal(t, tooFew), FieldCount)},
		{"body not an array", frame(t, marshal(t, "hello"), FieldCount)},
		{"truncated body", frame(t, marshal(t, values())[:20], FieldCount)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnpackReduced(tc.buf)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, fault.Decode), "want decode fault, got %v", err)
		})
	}
}
