package exchange

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// SessionKeySize is the size of a session key.
const SessionKeySize = chacha20poly1305.KeySize

type keyRef struct {
	conn devmgr.Connection
	id   uint16
}

// keyTable maps (connection, key id) to the AEAD sealing that session.
type keyTable struct {
	mu   sync.RWMutex
	keys map[keyRef]cipher.AEAD
}

func newKeyTable() *keyTable {
	return &keyTable{keys: make(map[keyRef]cipher.AEAD)}
}

func (t *keyTable) add(conn devmgr.Connection, id uint16, enc wire.EncryptionType, key []byte) error {
	if id == wire.KeyIDNone {
		return fmt.Errorf("%w: key id 0 is reserved", ErrInvalidKey)
	}
	if enc != wire.EncryptionChaCha20Poly1305 {
		return fmt.Errorf("%w: unsupported encryption %s", ErrInvalidKey, enc)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[keyRef{conn, id}] = aead
	return nil
}

func (t *keyTable) get(conn devmgr.Connection, id uint16) (cipher.AEAD, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	aead, ok := t.keys[keyRef{conn, id}]
	return aead, ok
}

func (t *keyTable) remove(conn devmgr.Connection, id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, keyRef{conn, id})
}

func (t *keyTable) removeConn(conn devmgr.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref := range t.keys {
		if ref.conn == conn {
			delete(t.keys, ref)
		}
	}
}

// nonce derives the per-message nonce from the sender node id and the
// message id, which together never repeat under one key.
func nonce(sourceNode uint64, messageID uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[0:8], sourceNode)
	binary.BigEndian.PutUint32(n[8:12], messageID)
	return n
}

// seal encrypts env.Body in place. The encoded header is the associated
// data.
func seal(aead cipher.AEAD, env *wire.Envelope) error {
	h := env.Header()
	aad, err := wire.EncodeEnvelope(&h)
	if err != nil {
		return err
	}
	env.Body = aead.Seal(nil, nonce(env.SourceNodeID, env.MessageID), env.Body, aad)
	return nil
}

// open decrypts env.Body in place.
func open(aead cipher.AEAD, env *wire.Envelope) error {
	h := env.Header()
	aad, err := wire.EncodeEnvelope(&h)
	if err != nil {
		return err
	}
	body, err := aead.Open(nil, nonce(env.SourceNodeID, env.MessageID), env.Body, aad)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	env.Body = body
	return nil
}
