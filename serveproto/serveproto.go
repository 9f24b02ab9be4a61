// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package serveproto implements the versioned binary protocol
// spoken with a remote machine's store daemon over a byte stream.
//
// Every exchange is a synchronous request/flush/read sequence:
// the client writes an opcode followed by request fields,
// flushes, and then reads the response.
// Optional fields are gated by the protocol version
// negotiated during the handshake;
// sending or expecting a field against the wrong version
// corrupts the stream for all subsequent exchanges on the connection.
package serveproto

import "fmt"

// Handshake magic numbers.
const (
	clientMagic uint64 = 0x390c9deb
	serverMagic uint64 = 0x5452eecb
)

// Command is a request opcode sent as the leading word of a request.
type Command uint64

// Defined commands.
const (
	CmdQueryValidPaths Command = 1
	CmdQueryPathInfos  Command = 2
	CmdDumpStorePath   Command = 3
	CmdImportPaths     Command = 4
	CmdExportPaths     Command = 5
	CmdBuildPaths      Command = 6
	CmdQueryClosure    Command = 7
	CmdBuildDerivation Command = 8
	CmdAddToStoreNar   Command = 9
)

// String returns the name of the command.
func (c Command) String() string {
	switch c {
	case CmdQueryValidPaths:
		return "query-valid-paths"
	case CmdQueryPathInfos:
		return "query-path-infos"
	case CmdDumpStorePath:
		return "dump-store-path"
	case CmdImportPaths:
		return "import-paths"
	case CmdExportPaths:
		return "export-paths"
	case CmdBuildPaths:
		return "build-paths"
	case CmdQueryClosure:
		return "query-closure"
	case CmdBuildDerivation:
		return "build-derivation"
	case CmdAddToStoreNar:
		return "add-to-store-nar"
	default:
		return fmt.Sprintf("command(%d)", uint64(c))
	}
}

// Version is a protocol version:
// the major version in the high byte, the minor version in the low byte.
type Version uint16

// MaxVersion is the highest protocol version this package speaks.
const MaxVersion Version = 0x207

// MakeVersion returns the [Version] with the given major and minor parts.
func MakeVersion(major, minor int) Version {
	return Version(major&0xff)<<8 | Version(minor&0xff)
}

// Major returns the major part of the version.
func (v Version) Major() int { return int(v >> 8) }

// Minor returns the minor part of the version.
func (v Version) Minor() int { return int(v & 0xff) }

// String formats the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// featureSet declares which optional wire fields are active for a version.
// Encode and decode consult the same table,
// so the two sides of the codec cannot drift apart.
type featureSet struct {
	// maxLogSize: the build request carries a maximum log size.
	maxLogSize bool
	// buildRounds: the build request carries a repeat count
	// and a determinism-enforcement flag;
	// the response carries the performed round count,
	// a non-determinism flag,
	// and the final round's start/stop times.
	buildRounds bool
	// builtOutputs: the response carries per-output content-addressed results.
	builtOutputs bool
	// keepFailed: the build request carries a keep-failed flag.
	keepFailed bool
}

func features(v Version) featureSet {
	return featureSet{
		maxLogSize:   v.Minor() >= 2,
		buildRounds:  v.Minor() >= 3,
		builtOutputs: v.Minor() >= 6,
		keepFailed:   v.Minor() >= 7,
	}
}
