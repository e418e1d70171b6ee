package encryption

import (
	"io"

	"orgchat/tools/errs"
)

// NewChatKey returns a random key for a new chat.
func NewChatKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, k); err != nil {
		return nil, errs.WrapMsg(err, "read chat key")
	}
	return k, nil
}

// WrapChatKey seals the chat key for one participant. Output is nonce|ciphertext.
func WrapChatKey(chatKey, userKey []byte) ([]byte, error) {
	if len(chatKey) != KeySize {
		return nil, errs.ErrArgs.WrapMsg("chat key must be 32 bytes")
	}
	nonce, ct, err := Encrypt(chatKey, userKey)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// UnwrapChatKey is the inverse of WrapChatKey.
func UnwrapChatKey(wrapped, userKey []byte) ([]byte, error) {
	if len(wrapped) <= NonceSize {
		return nil, errs.ErrDecryption.WrapMsg("wrapped key too short")
	}
	return Decrypt(wrapped[:NonceSize], wrapped[NonceSize:], userKey)
}

// WrapForParticipants builds the per-participant key table stored on a chat.
func WrapForParticipants(chatKey []byte, userKeys map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(userKeys))
	for userID, k := range userKeys {
		w, err := WrapChatKey(chatKey, k)
		if err != nil {
			return nil, errs.WrapMsg(err, "wrap chat key", "user", userID)
		}
		out[userID] = w
	}
	return out, nil
}
