// This module provides a non-global environment-variable fallback for a set
// of command-line flags. The purpose is to let every "-flag" also be set as
// KOBJCACHE_* in the environment, so `kobjcache -d /cache` and
// `KOBJCACHE_DIR=/cache kobjcache` behave the same way. Unlike the
// standard flag package, a FlagSet here is an ordinary value owned by the
// caller's own argv scanner (cmd/kobjcache/options.go's parseArgs) rather than
// a package-global registry: kobjcache's argv grammar mixes its own flags
// with two raw compiler argv lists, so nothing here ever calls flag.Parse or
// registers into flag.CommandLine.
package common

import (
	"fmt"
	"os"
)

// StringFlag is a string-valued flag that may be set explicitly on the
// command line or fall back to an environment variable.
type StringFlag struct {
	env   string
	isSet bool
	Value string
}

// Set records an explicit command-line value, taking it over any later
// environment fallback.
func (f *StringFlag) Set(v string) {
	f.isSet = true
	f.Value = v
}

// BoolFlag is a bool-valued flag that may be set explicitly on the command
// line or fall back to an environment variable.
type BoolFlag struct {
	env   string
	isSet bool
	Value bool
}

// SetTrue records an explicit command-line value of true, taking it over any
// later environment fallback.
func (f *BoolFlag) SetTrue() {
	f.isSet = true
	f.Value = true
}

// FlagSet collects the flags registered for one invocation, so
// ApplyEnvDefaults can fill in whichever of them weren't given explicitly.
type FlagSet struct {
	strings []*StringFlag
	bools   []*BoolFlag
}

func NewFlagSet() *FlagSet {
	return &FlagSet{}
}

// CmdEnvString registers a string flag whose default is defaultValue unless
// envName is set in the environment (and neither is used if the flag is
// later Set explicitly).
func (fs *FlagSet) CmdEnvString(defaultValue string, envName string) *StringFlag {
	f := &StringFlag{env: envName, Value: defaultValue}
	fs.strings = append(fs.strings, f)
	return f
}

// CmdEnvBool registers a bool flag whose default is defaultValue unless
// envName is set in the environment (and neither is used if the flag is
// later SetTrue explicitly).
func (fs *FlagSet) CmdEnvBool(defaultValue bool, envName string) *BoolFlag {
	f := &BoolFlag{env: envName, Value: defaultValue}
	fs.bools = append(fs.bools, f)
	return f
}

// ApplyEnvDefaults fills in every registered flag that wasn't explicitly set,
// from its environment variable, if any. It should be called once parsing of
// the real argv has finished.
func (fs *FlagSet) ApplyEnvDefaults() error {
	for _, f := range fs.strings {
		if f.isSet || f.env == "" {
			continue
		}
		if v, ok := os.LookupEnv(f.env); ok {
			f.Value = v
		}
	}
	for _, f := range fs.bools {
		if f.isSet || f.env == "" {
			continue
		}
		if v, ok := os.LookupEnv(f.env); ok {
			b, err := parseEnvBool(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", f.env, err)
			}
			f.Value = b
		}
	}
	return nil
}

func parseEnvBool(v string) (bool, error) {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true, nil
	case "0", "false", "FALSE", "False", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}
