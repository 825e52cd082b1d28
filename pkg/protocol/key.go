package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"cliprelay/pkg/wire"
)

const roomKeyInfo = "cliprelay v1 room key"

var ErrEmptyRoomCode = errors.New("protocol: room code must not be empty")

// RoomKey is the 32-byte AEAD key shared by the current device set of a room.
type RoomKey [chacha20poly1305.KeySize]byte

// DeriveRoomKey computes the room key for the given device set:
//
//	IKM  = SHA256(room_code)
//	salt = SHA256(concat(sort_lex(device_ids)))
//	key  = HKDF-SHA256(salt, IKM, "cliprelay v1 room key", 32)
//
// Any change to the device-id set yields a different key, so every
// SaltExchange forces a re-derivation.
func DeriveRoomKey(roomCode string, deviceIDs []wire.DeviceID) (RoomKey, error) {
	var key RoomKey
	if strings.TrimSpace(roomCode) == "" {
		return key, ErrEmptyRoomCode
	}

	ikm := sha256.Sum256([]byte(roomCode))

	sorted := make([]wire.DeviceID, len(deviceIDs))
	copy(sorted, deviceIDs)
	wire.SortDeviceIDs(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write(id[:])
	}
	salt := h.Sum(nil)

	kdf := hkdf.New(sha256.New, ikm[:], salt, []byte(roomKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return RoomKey{}, fmt.Errorf("protocol: hkdf expand: %w", err)
	}
	return key, nil
}

// messageNonce builds the 24-byte XChaCha20-Poly1305 nonce:
// SHA256(sender_device_id)[0..16] || counter_le_u64. The sender-local
// monotone counter guarantees uniqueness within a device lifetime.
func messageNonce(sender wire.DeviceID, counter uint64) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	sum := sha256.Sum256(sender[:])
	copy(nonce[:16], sum[:16])
	binary.LittleEndian.PutUint64(nonce[16:], counter)
	return nonce
}
