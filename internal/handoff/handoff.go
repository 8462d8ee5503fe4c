// Package handoff serializes the reduced daemon configuration handed to each
// forked task, and restores it on the child side.
//
// Wire layout (big endian):
//
//	magic "STPH" | version u16 | field count u16 | body length u32 | body | blake3-256(header+body)
//
// The body is a msgpack array holding exactly FieldCount values in a fixed
// order. Decoding rejects anything that is not byte-for-byte what Pack emits.
package handoff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/stepd/internal/config"
)

const (
	Magic      = "STPH"
	Version    = 1
	FieldCount = 16

	headerLen  = 12
	sumLen     = 32
	maxBodyLen = 1 << 20
)

// Limits holds task resource limits in config.ParseLimit form.
type Limits struct {
	NoFile  int64
	Core    int64
	Stack   int64
	MemLock int64
}

// Reduced is the subset of daemon config a forked task needs. It is never
// modified after Reduce or UnpackReduced returns it. Empty lists decode as nil.
type Reduced struct {
	NodeName          string
	Hostname          string
	SpoolDir          string
	LogFile           string
	LogLevel          string
	DebugFlags        []string
	DaemonUID         uint32
	TaskProlog        string
	TaskEpilog        string
	TaskScriptTimeout time.Duration
	KillWait          time.Duration
	PropagatePrio     bool
	Limits            Limits
}

// Reduce selects the handoff subset of cfg.
func Reduce(cfg *config.Config) (*Reduced, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	var lim Limits
	for _, l := range []struct {
		name string
		in   string
		out  *int64
	}{
		{"nofile", cfg.Tasks.Limits.NoFile, &lim.NoFile},
		{"core", cfg.Tasks.Limits.Core, &lim.Core},
		{"stack", cfg.Tasks.Limits.Stack, &lim.Stack},
		{"memlock", cfg.Tasks.Limits.MemLock, &lim.MemLock},
	} {
		v, err := config.ParseLimit(l.in)
		if err != nil {
			return nil, fmt.Errorf("limit %s: %w", l.name, err)
		}
		*l.out = v
	}

	var flags []string
	if len(cfg.Daemon.DebugFlags) > 0 {
		flags = append(flags, cfg.Daemon.DebugFlags...)
	}

	return &Reduced{
		NodeName:          cfg.Node.Name,
		Hostname:          cfg.Node.Hostname,
		SpoolDir:          cfg.Node.SpoolDir,
		LogFile:           cfg.Daemon.LogFile,
		LogLevel:          cfg.Daemon.LogLevel,
		DebugFlags:        flags,
		DaemonUID:         cfg.Daemon.UserID,
		TaskProlog:        cfg.Scripts.TaskProlog,
		TaskEpilog:        cfg.Scripts.TaskEpilog,
		TaskScriptTimeout: cfg.Scripts.TaskScriptTimeout,
		KillWait:          cfg.Scripts.KillWait,
		PropagatePrio:     cfg.Tasks.PropagatePrio,
		Limits:            lim,
	}, nil
}

// PackReduced reduces cfg and encodes it.
func PackReduced(cfg *config.Config) ([]byte, error) {
	r, err := Reduce(cfg)
	if err != nil {
		return nil, err
	}
	return Pack(r)
}

// Pack encodes r into the handoff wire format.
func Pack(r *Reduced) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil reduced config")
	}

	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	steps := []func() error{
		func() error { return enc.EncodeArrayLen(FieldCount) },
		func() error { return enc.EncodeString(r.NodeName) },
		func() error { return enc.EncodeString(r.Hostname) },
		func() error { return enc.EncodeString(r.SpoolDir) },
		func() error { return enc.EncodeString(r.LogFile) },
		func() error { return enc.EncodeString(r.LogLevel) },
		func() error {
			if err := enc.EncodeArrayLen(len(r.DebugFlags)); err != nil {
				return err
			}
			for _, f := range r.DebugFlags {
				if err := enc.EncodeString(f); err != nil {
					return err
				}
			}
			return nil
		},
		func() error { return enc.EncodeUint(uint64(r.DaemonUID)) },
		func() error { return enc.EncodeString(r.TaskProlog) },
		func() error { return enc.EncodeString(r.TaskEpilog) },
		func() error { return enc.EncodeInt(int64(r.TaskScriptTimeout)) },
		func() error { return enc.EncodeInt(int64(r.KillWait)) },
		func() error { return enc.EncodeBool(r.PropagatePrio) },
		func() error { return enc.EncodeInt(r.Limits.NoFile) },
		func() error { return enc.EncodeInt(r.Limits.Core) },
		func() error { return enc.EncodeInt(r.Limits.Stack) },
		func() error { return enc.EncodeInt(r.Limits.MemLock) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("encode handoff body: %w", err)
		}
	}
	if body.Len() > maxBodyLen {
		return nil, fmt.Errorf("handoff body is %d bytes, limit %d", body.Len(), maxBodyLen)
	}

	buf := make([]byte, headerLen, headerLen+body.Len()+sumLen)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], FieldCount)
	binary.BigEndian.PutUint32(buf[8:12], uint32(body.Len()))
	buf = append(buf, body.Bytes()...)
	sum := blake3.Sum256(buf)
	return append(buf, sum[:]...), nil
}
