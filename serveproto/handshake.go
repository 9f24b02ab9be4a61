// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"fmt"
	"io"
)

// ClientHandshake performs the client half of the protocol handshake on rw:
// it writes the client magic and this package's maximum version,
// then reads the server magic and the remote version.
// The negotiated version is the minimum of the two,
// and all subsequent exchanges on the connection must use it.
func ClientHandshake(rw io.ReadWriter) (Version, error) {
	if err := WriteUint64(rw, clientMagic); err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	if err := WriteUint64(rw, uint64(MaxVersion)); err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	magic, err := ReadUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	if magic != serverMagic {
		return 0, fmt.Errorf("protocol handshake: bad magic %#x from remote", magic)
	}
	remoteVersion, err := ReadUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	return negotiate(Version(remoteVersion))
}

// ServerHandshake performs the server half of the protocol handshake on rw.
func ServerHandshake(rw io.ReadWriter) (Version, error) {
	magic, err := ReadUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	if magic != clientMagic {
		return 0, fmt.Errorf("protocol handshake: bad magic %#x from client", magic)
	}
	clientVersion, err := ReadUint64(rw)
	if err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	if err := WriteUint64(rw, serverMagic); err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	if err := WriteUint64(rw, uint64(MaxVersion)); err != nil {
		return 0, fmt.Errorf("protocol handshake: %w", err)
	}
	return negotiate(Version(clientVersion))
}

func negotiate(remote Version) (Version, error) {
	if remote.Major() != MaxVersion.Major() {
		return 0, fmt.Errorf("protocol handshake: unsupported remote version %v", remote)
	}
	if remote < MaxVersion {
		return remote, nil
	}
	return MaxVersion, nil
}
