// System image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command sysassemble merges a kernel ELF and one or more application
// ELFs into a single system image ready to be flashed alongside an
// ARMv7-M boot sequence.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/usbarmory/mpukernel/sysimage"
)

// appPaths collects repeated -app flags in argument order.
type appPaths []string

func (a *appPaths) String() string {
	return strings.Join(*a, ",")
}

func (a *appPaths) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	log.SetFlags(0)

	var (
		kernel string
		output string
		apps   appPaths
	)

	flag.StringVar(&kernel, "kernel", "", "kernel ELF path (required)")
	flag.Var(&apps, "app", "application ELF path (repeatable)")
	flag.StringVar(&output, "output", "", "merged system image output path (required)")
	flag.Parse()

	if kernel == "" {
		log.Fatal("sysassemble: -kernel is required")
	}
	if output == "" {
		log.Fatal("sysassemble: -output is required")
	}

	if err := run(kernel, apps, output); err != nil {
		log.Fatalf("sysassemble: %v", err)
	}
}

func run(kernelPath string, appPaths []string, outputPath string) error {
	kernelBytes, err := os.ReadFile(kernelPath)
	if err != nil {
		return fmt.Errorf("reading kernel image: %w", err)
	}

	apps := make([]sysimage.App, 0, len(appPaths))
	for i, path := range appPaths {
		appBytes, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading app image %s: %w", path, err)
		}

		name, err := sysimage.AppName(path, i)
		if err != nil {
			return fmt.Errorf("deriving app name for %s: %w", path, err)
		}

		apps = append(apps, sysimage.App{Name: name, Bytes: appBytes})
	}

	merged, err := sysimage.Assemble(kernelPath, kernelBytes, apps)
	if err != nil {
		return fmt.Errorf("assembling system image: %w", err)
	}

	if err := os.WriteFile(outputPath, merged, 0o644); err != nil {
		return fmt.Errorf("writing system image: %w", err)
	}

	return nil
}
