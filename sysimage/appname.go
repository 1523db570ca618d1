// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sysimage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// AppName derives a per-app name from an app's file path and its
// zero-based position on the command line: the file stem, with every
// character that is not alphanumeric or '_' replaced by '_', followed
// by "_<index>". The index suffix makes collisions between
// identically-named apps impossible without requiring the caller to
// enforce unique filenames.
func AppName(path string, index int) (string, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return "", fmt.Errorf("sysimage: %s: no filename stem to derive an app name from", path)
	}

	var b strings.Builder
	for _, r := range stem {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(index))

	return b.String(), nil
}
