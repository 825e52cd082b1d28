// Package protocol implements the client side of the cliprelay protocol:
// room-key derivation, sealing and opening of payloads, replay protection,
// file chunking, and the relay client itself. The relay never imports the
// cryptographic parts; it forwards ciphertext it cannot read.
package protocol

import (
	"crypto/sha256"

	"github.com/google/uuid"

	"cliprelay/pkg/wire"
)

// Payload size ceilings, enforced before sealing.
const (
	MaxClipboardTextBytes = 256 << 10 // plaintext clipboard text
	MaxFileChunkBytes     = 64 << 10  // plaintext per file chunk
	MaxFileBytes          = 5 << 20   // whole file, across chunks
	MaxMimeLen            = 128
)

// Recognized mime tags. Opaque to the relay.
const (
	MimeTextPlain = "text/plain;charset=utf-8"
	MimeFileChunk = "application/x-cliprelay-file-chunk+json;base64"
)

// NewDeviceID returns a fresh random device id for this session.
func NewDeviceID() wire.DeviceID {
	return wire.DeviceID(uuid.New())
}

// RoomIDFromCode maps the user-entered room code to the relay's grouping key.
// The code itself is never sent anywhere.
func RoomIDFromCode(roomCode string) wire.RoomID {
	return wire.RoomID(sha256.Sum256([]byte(roomCode)))
}
