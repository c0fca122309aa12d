/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package image loads and saves the host-emulation "flash image" named
// by cmd/jcvmcore's -m/--memory flag (spec.md §6): a snapshot of every
// installed package's CAP components plus its static field data. Real
// hardware keeps this in non-volatile memory and never serializes it;
// host emulation stands that memory in for a file so a run can resume
// a previous card state and, with -s/--save, persist mutations back.
//
// No library in the retrieval pack targets this exact concern (a raw
// flash-image byte format for a bespoke struct graph); encoding/gob is
// used here -- Go's own binary codec for exactly this "serialize my own
// struct graph, both ends are this program" case -- rather than forcing
// in a general-purpose serialization library the pack never reaches
// for at this layer (see DESIGN.md).
package image

import (
	"bytes"
	"encoding/gob"
	"os"

	"jcvmcore/src/capfile"
)

// Snapshot is the on-disk shape of a flash image: every installed
// package, in registration order (index == PackageID).
type Snapshot struct {
	Packages []*capfile.Cap
}

// Load reads and decodes a flash image file into a freshly populated
// Registry sized for maxPackages slots.
func Load(path string, maxPackages int) (*capfile.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, err
	}

	reg := capfile.NewRegistry(maxPackages)
	for _, cap := range snap.Packages {
		if _, err := reg.Install(cap); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Save encodes the registry's installed packages back to path, used by
// -s/--save on exit to persist any static-field mutations the run made.
func Save(path string, reg *capfile.Registry) error {
	snap := Snapshot{Packages: make([]*capfile.Cap, 0, reg.Len())}
	for i := 0; i < reg.Len(); i++ {
		cap, err := reg.Get(capfile.PackageID(i))
		if err != nil {
			return err
		}
		snap.Packages = append(snap.Packages, cap)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
