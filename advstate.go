/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Per-printer persistent advertising state
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// AdvState manages a per-printer persistent state of DNS-SD
// advertising, so service instance name, chosen after collision
// resolution, survives restarts
type AdvState struct {
	Ident         string // Printer identifier
	DNSSdName     string // DNS-SD name, as derived from printer
	DNSSdOverride string // DNS-SD name after collision resolution

	dir string // State directory
}

// LoadAdvState loads AdvState from a disk file. Missing or
// damaged file yields an empty state
func LoadAdvState(dir, ident string) *AdvState {
	state := &AdvState{
		Ident: ident,
		dir:   dir,
	}

	inifile, err := ini.LoadSources(ini.LoadOptions{Loose: true},
		state.path())
	if err != nil {
		Log.Error('!', "STATE LOAD: %s", state.error("%s", err))
		return state
	}

	if section, _ := inifile.GetSection("printer"); section != nil {
		state.DNSSdName = state.loadString(section, "dns-sd-name")
		state.DNSSdOverride = state.loadString(section, "dns-sd-override")
	}

	return state
}

// loadString loads string, defaults to ""
func (state *AdvState) loadString(section *ini.Section, name string) string {
	if key, _ := section.GetKey(name); key != nil {
		return key.String()
	}

	return ""
}

// Instance returns the service instance name to publish
func (state *AdvState) Instance() string {
	if state.DNSSdOverride != "" {
		return state.DNSSdOverride
	}
	return state.DNSSdName
}

// SetName updates the printer-derived name. Changed name drops
// the collision-resolution override
func (state *AdvState) SetName(name string) {
	if name != state.DNSSdName {
		state.DNSSdName = name
		state.DNSSdOverride = ""
		state.Save()
	}
}

// SetOverride saves name chosen after collision resolution
func (state *AdvState) SetOverride(name string) {
	if name == state.DNSSdName {
		name = ""
	}

	if name != state.DNSSdOverride {
		state.DNSSdOverride = name
		state.Save()
	}
}

// Save updates AdvState on disk
func (state *AdvState) Save() {
	os.MkdirAll(state.dir, 0755)

	inifile := ini.Empty()
	section, _ := inifile.NewSection("printer")
	section.Comment = "# ippd: printer " + state.Ident

	if state.DNSSdName != "" {
		section.NewKey("dns-sd-name", state.DNSSdName)
	}

	if state.DNSSdOverride != "" {
		section.NewKey("dns-sd-override", state.DNSSdOverride)
	}

	err := inifile.SaveTo(state.path())
	if err != nil {
		Log.Error('!', "STATE SAVE: %s", state.error("%s", err))
	}
}

// path returns a path to the AdvState file
func (state *AdvState) path() string {
	return filepath.Join(state.dir, state.Ident+".state")
}

// error creates a state-related error
func (state *AdvState) error(format string, args ...interface{}) error {
	return fmt.Errorf(state.Ident+": "+format, args...)
}
