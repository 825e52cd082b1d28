package protocol

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"cliprelay/pkg/wire"
)

var (
	ErrAuthFailed  = errors.New("protocol: decryption failed")
	ErrInvalidMime = errors.New("protocol: mime must be non-empty and at most 128 bytes")
)

// aad binds a message to its room, its sender identity, and its mime tag.
// A frame whose cleartext sender differs from the identity the AEAD was
// sealed under fails the tag check on open.
func aad(roomID wire.RoomID, sender wire.DeviceID, mime string) []byte {
	out := make([]byte, 0, wire.RoomIDLen+wire.DeviceIDLen+len(mime))
	out = append(out, roomID[:]...)
	out = append(out, sender[:]...)
	return append(out, mime...)
}

// Seal encrypts plaintext under the room key and wraps it in an
// EncryptedMessage frame body. counter must be fresh for the sender.
func Seal(key RoomKey, roomID wire.RoomID, sender wire.DeviceID, counter uint64, mime string, plaintext []byte) (*wire.EncryptedMessage, error) {
	if strings.TrimSpace(mime) == "" || len(mime) > MaxMimeLen {
		return nil, ErrInvalidMime
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	nonce := messageNonce(sender, counter)
	ct := aead.Seal(nil, nonce[:], plaintext, aad(roomID, sender, mime))
	return &wire.EncryptedMessage{
		SenderDeviceID: sender,
		Counter:        counter,
		Mime:           mime,
		Ciphertext:     ct,
	}, nil
}

// Open authenticates and decrypts an EncryptedMessage. The AAD is rebuilt
// from the frame's cleartext sender id and mime, so tampering with either
// yields ErrAuthFailed. A mime that is blank or longer than MaxMimeLen is
// refused with ErrInvalidMime before any decryption is attempted.
func Open(key RoomKey, roomID wire.RoomID, msg *wire.EncryptedMessage) ([]byte, error) {
	if strings.TrimSpace(msg.Mime) == "" || len(msg.Mime) > MaxMimeLen {
		return nil, ErrInvalidMime
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	nonce := messageNonce(msg.SenderDeviceID, msg.Counter)
	plaintext, err := aead.Open(nil, nonce[:], msg.Ciphertext, aad(roomID, msg.SenderDeviceID, msg.Mime))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
