// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sysimage

import "bytes"

// App is one application ELF to fold into a system image, paired with
// the name its sections and global symbols are suffixed with.
type App struct {
	Name  string
	Bytes []byte
}

// Assemble merges a kernel ELF and N application ELFs into a single
// system image. Apps are merged in the order given; the first
// tokenizer section encountered (kernel or app) survives, and every
// later one is byte-appended to it.
func Assemble(kernelPath string, kernelBytes []byte, apps []App) ([]byte, error) {
	si, err := newSystemImage(kernelPath, kernelBytes)
	if err != nil {
		return nil, err
	}

	for _, app := range apps {
		if err := si.addAppImage(app.Name, app.Bytes, app.Name); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := si.write(&out); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}
