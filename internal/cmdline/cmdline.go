// Package cmdline parses the Multiboot2 command-line string (spec.md
// §6: "Whitespace-separated key=value tokens") into the boot-time
// option set cmd/kernel consults before starting SMP, installing trace
// sinks, and picking a console. Grounded on
// original_source/kernel/parameters.cpp's Parse/ParseParameter token
// scanner, reworked from manual index arithmetic over a fixed char
// buffer into strings.Fields/strings.Cut over the Go string the
// Multiboot2 info block already decodes into.
package cmdline

import "strings"

// Console selects where kernel output is rendered.
type Console int

const (
	ConsoleBoth Console = iota
	ConsoleSerial
	ConsoleVGA
)

// DHCP selects DHCP policy at boot.
type DHCP int

const (
	DHCPOn DHCP = iota // start only by command, the original's default
	DHCPAuto
	DHCPOff
)

// Options is the parsed, defaulted command line (spec.md §6's table).
type Options struct {
	TraceVGA bool
	PanicVGA bool
	SMPOff   bool
	Console  Console
	DHCP     DHCP
}

// Parse tokenizes raw on whitespace and applies each recognized
// key=value pair to a default Options, the same one-bad-token-skips
// shape as the original's ParseParameter (an unrecognized key or value
// is logged by the caller via the returned Unknown slice, not treated
// as fatal — a typo in the boot line should not abort boot).
func Parse(raw string) (Options, []string) {
	opts := Options{}
	var unknown []string

	for _, token := range strings.Fields(raw) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" || value == "" {
			unknown = append(unknown, token)
			continue
		}
		if !apply(&opts, key, value) {
			unknown = append(unknown, token)
		}
	}
	return opts, unknown
}

func apply(opts *Options, key, value string) bool {
	switch key {
	case "trace":
		if value != "vga" {
			return false
		}
		opts.TraceVGA = true
	case "panic":
		if value != "vga" {
			return false
		}
		opts.PanicVGA = true
	case "smp":
		if value != "off" {
			return false
		}
		opts.SMPOff = true
	case "console":
		switch value {
		case "serial":
			opts.Console = ConsoleSerial
		case "vga":
			opts.Console = ConsoleVGA
		case "both":
			opts.Console = ConsoleBoth
		default:
			return false
		}
	case "dhcp":
		switch value {
		case "on":
			opts.DHCP = DHCPOn
		case "auto":
			opts.DHCP = DHCPAuto
		case "off":
			opts.DHCP = DHCPOff
		default:
			return false
		}
	default:
		return false
	}
	return true
}
