// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux || darwin

package platattr

import (
	"fmt"

	"github.com/pkg/xattr"
)

type unixGatherer struct{}

func newPlatformGatherer() Gatherer {
	return unixGatherer{}
}

// ACL is a documented stdlib-only stub: no library in the retrieval pack
// wraps POSIX ACL retrieval (getfacl/acl_get_file semantics), and
// hand-rolling the ACL wire format from scratch would invent behavior the
// specification does not define. See DESIGN.md.
func (unixGatherer) ACL(path string) ([]byte, error) {
	return nil, ErrUnsupported
}

func (unixGatherer) SetACL(path string, payload []byte) error {
	return ErrUnsupported
}

func (unixGatherer) Xattrs(path string) ([]Xattr, error) {
	names, err := xattr.LList(path)
	if err != nil {
		return nil, fmt.Errorf("platattr: listing xattrs on %s: %w", path, err)
	}
	out := make([]Xattr, 0, len(names))
	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			return nil, fmt.Errorf("platattr: reading xattr %s on %s: %w", name, path, err)
		}
		out = append(out, Xattr{Name: name, Value: value})
	}
	return out, nil
}

func (unixGatherer) SetXattr(path string, x Xattr) error {
	if err := xattr.LSet(path, x.Name, x.Value); err != nil {
		return fmt.Errorf("platattr: setting xattr %s on %s: %w", x.Name, path, err)
	}
	return nil
}
