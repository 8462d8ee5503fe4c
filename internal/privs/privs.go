// Package privs decides which identity a forked script or task runs as.
package privs

import (
	"os"
	"syscall"

	"github.com/mattjoyce/stepd/internal/fault"
)

// Identity is the target uid/gid of a child process.
type Identity struct {
	UID uint32
	GID uint32
}

// Swapped by tests.
var (
	euid = os.Geteuid
	egid = os.Getegid
)

// Credential returns the SysProcAttr credential that makes a child run as id.
//
// A root daemon switches to any identity and clears supplementary groups. A
// non-root daemon can only run children as itself, group included; that case
// needs no credential and every other identity is a Privilege failure,
// reported before anything is forked.
func Credential(op string, id Identity) (*syscall.Credential, error) {
	current := euid()
	if current == 0 {
		return &syscall.Credential{Uid: id.UID, Gid: id.GID, Groups: []uint32{}}, nil
	}
	if current < 0 || uint32(current) != id.UID {
		return nil, fault.Newf(fault.Privilege, op, "daemon euid %d cannot switch to uid %d", current, id.UID)
	}
	if gid := egid(); gid < 0 || uint32(gid) != id.GID {
		return nil, fault.Newf(fault.Privilege, op, "daemon egid %d cannot switch to gid %d", gid, id.GID)
	}
	return nil, nil
}
