// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package enforcer

func newActiveBackend() (Enforcer, error) {
	return NewActive()
}
