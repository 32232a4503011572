package process

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// Credential is a resolved unprivileged identity.
type Credential struct {
	Name string // what the operator asked for
	Uid  uint32
	Gid  uint32
}

// SysProcAttr returns the credential in the form os/exec applies to a
// child. Supplementary groups are cleared.
func (c *Credential) SysProcAttr() *syscall.Credential {
	if c == nil {
		return nil
	}
	return &syscall.Credential{Uid: c.Uid, Gid: c.Gid, Groups: []uint32{}}
}

// ParseCredential resolves "name", "name:group", "uid" or "uid:gid".
// Without a group the user's primary group is used; a uid with no passwd
// entry defaults its gid to the uid. An empty string yields nil.
func ParseCredential(spec string) (*Credential, error) {
	if spec == "" {
		return nil, nil
	}

	name, group, hasGroup := strings.Cut(spec, ":")
	if name == "" {
		return nil, fmt.Errorf("invalid user %q: empty user", spec)
	}

	uid, gid, err := lookupUser(name)
	if err != nil {
		return nil, fmt.Errorf("invalid user %q: %w", spec, err)
	}

	if hasGroup {
		gid, err = lookupGroup(group)
		if err != nil {
			return nil, fmt.Errorf("invalid group in user %q: %w", spec, err)
		}
	}

	return &Credential{Name: spec, Uid: uid, Gid: gid}, nil
}

func lookupUser(name string) (uid, gid uint32, err error) {
	if n, perr := strconv.ParseUint(name, 10, 32); perr == nil {
		u, lerr := user.LookupId(name)
		if lerr != nil {
			return uint32(n), uint32(n), nil
		}
		g, gerr := strconv.ParseUint(u.Gid, 10, 32)
		if gerr != nil {
			return uint32(n), uint32(n), nil
		}
		return uint32(n), uint32(g), nil
	}

	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric uid %q", u.Uid)
	}
	g, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric gid %q", u.Gid)
	}
	return uint32(id), uint32(g), nil
}

func lookupGroup(group string) (uint32, error) {
	if group == "" {
		return 0, fmt.Errorf("empty group")
	}
	if n, err := strconv.ParseUint(group, 10, 32); err == nil {
		return uint32(n), nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("non-numeric gid %q", g.Gid)
	}
	return uint32(n), nil
}
