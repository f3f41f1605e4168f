// Package wire implements the message catalogue: the tagged variants that
// flow over the framed socket, their encoding to a self-describing binary
// document format, and the AES-GCM envelope that wraps any variant once the
// handshake has produced a session key.
//
// Messages are encoded with CBOR (github.com/fxamacker/cbor/v2): each
// document is a map carrying a "type" discriminator plus the variant's own
// fields, which satisfies the wire contract in spec §6 (nested documents,
// byte strings, booleans, integers, a type tag) without requiring the
// reference BSON library.
package wire

// Type identifies which message variant a document holds; it is always
// present under the "type" key.
type Type string

const (
	TypeRsaPublicKey    Type = "RsaPublicKeyMessage"
	TypeSessionKey      Type = "SessionKeyMessage"
	TypeAesKey          Type = "AesKeyMessage"
	TypeEncrypted       Type = "EncryptedMessage"
	TypeTest            Type = "TestMessage"
	TypeChallenge       Type = "ChallengeMessage"
	TypeChallengeReply  Type = "ChallengeReplyMessage"
	TypeAuthReply       Type = "AuthReplyMessage"
	TypeProxy           Type = "ProxyMessage"
	TypeProxyResponse   Type = "ProxyResponseMessage"
	TypeRpcRequest      Type = "RpcRequestMessage"
	TypeRpcReply        Type = "RpcReplyMessage"
	TypePty             Type = "PtyMessage"
	TypePtyResize       Type = "PtyResizeMessage"
	TypePtyClosed       Type = "PtyClosedMessage"
	TypeFileEntryStream Type = "FileEntryStreamMessage"
	TypeLiveliness      Type = "LivelinessMessage"
	TypeAesRekey        Type = "AesRekeyMessage"
)

// Message is implemented by every wire variant.
type Message interface {
	MessageType() Type
}

// RsaPublicKeyMessage carries the server's (or, during rekey, the refreshed)
// RSA public key, PKIX (SubjectPublicKeyInfo) DER encoded.
type RsaPublicKeyMessage struct {
	Type Type   `cbor:"type"`
	Key  []byte `cbor:"key"`
}

func (m *RsaPublicKeyMessage) MessageType() Type { return TypeRsaPublicKey }

// SessionKeyMessage carries the client's freshly drawn AES key: the raw key
// wrapped under the server's RSA public key (RsaEncryptedSessionKey), and an
// AesKeyMessage sealed under that same AES key and serialized as an
// EncryptedMessage (AesKeyMessageBytes).
type SessionKeyMessage struct {
	Type                   Type   `cbor:"type"`
	AesKeyMessageBytes     []byte `cbor:"aes_key_message_bytes"`
	RsaEncryptedSessionKey []byte `cbor:"rsa_encrypted_session_key"`
}

func (m *SessionKeyMessage) MessageType() Type { return TypeSessionKey }

// AesKeyMessage is only ever found inside a SessionKeyMessage's
// AesKeyMessageBytes field, sealed in an EncryptedMessage; it is never
// itself sent unwrapped.
type AesKeyMessage struct {
	Type   Type   `cbor:"type"`
	AesKey string `cbor:"aes_key"`
}

func (m *AesKeyMessage) MessageType() Type { return TypeAesKey }

// EncryptedMessage wraps the serialized form of any other variant under
// AES-GCM. OriginalType records what the plaintext decodes to, so a reader
// that only peeks the envelope (without decrypting) still knows the shape of
// what is inside.
type EncryptedMessage struct {
	Type         Type   `cbor:"type"`
	Nonce        []byte `cbor:"nonce"`
	Tag          []byte `cbor:"tag"`
	Ciphertext   []byte `cbor:"ciphertext"`
	OriginalType string `cbor:"original_type"`
}

func (m *EncryptedMessage) MessageType() Type { return TypeEncrypted }

// TestMessage is exchanged once, encrypted, to confirm both sides hold the
// same AES key before the session is marked ready.
type TestMessage struct {
	Type Type   `cbor:"type"`
	Fill string `cbor:"fill"`
	Text string `cbor:"text"`
}

func (m *TestMessage) MessageType() Type { return TypeTest }

// ChallengeMessage is the server's opening move: an optional auth challenge
// plus the advertisement of whether auth is required at all.
type ChallengeMessage struct {
	Type         Type   `cbor:"type"`
	Source       string `cbor:"source"`
	AuthRequired bool   `cbor:"auth_required"`
	ID           string `cbor:"id"`
	ToSign       string `cbor:"to_sign"`
	Address      string `cbor:"address"`
}

func (m *ChallengeMessage) MessageType() Type { return TypeChallenge }

// ChallengeReplyMessage is the client's answer to a ChallengeMessage. Setting
// CloseConnection signals a local auth failure (no provider when one was
// required) rather than a signature.
type ChallengeReplyMessage struct {
	Type            Type   `cbor:"type"`
	CloseConnection bool   `cbor:"close_connection"`
	Signature       []byte `cbor:"signature"`
}

func (m *ChallengeReplyMessage) MessageType() Type { return TypeChallengeReply }

// AuthReplyMessage tells the client whether its signature verified.
type AuthReplyMessage struct {
	Type          Type   `cbor:"type"`
	Source        string `cbor:"source"`
	Authenticated bool   `cbor:"authenticated"`
}

func (m *AuthReplyMessage) MessageType() Type { return TypeAuthReply }

// ProxyMessage is the client's forwarding request, sent even when no
// forwarding is desired (ProxyRequired=false).
type ProxyMessage struct {
	Type          Type   `cbor:"type"`
	ProxyRequired bool   `cbor:"proxy_required"`
	ProxyTarget   string `cbor:"proxy_target"`
	ProxyPort     uint16 `cbor:"proxy_port"`
	ProxySsl      bool   `cbor:"proxy_ssl"`
}

func (m *ProxyMessage) MessageType() Type { return TypeProxy }

// ProxyResponseMessage reports whether the server established (or declined)
// the requested relay.
type ProxyResponseMessage struct {
	Type          Type   `cbor:"type"`
	Success       bool   `cbor:"success"`
	SocketDetails string `cbor:"socket_details"`
}

func (m *ProxyResponseMessage) MessageType() Type { return TypeProxyResponse }

// RpcRequestMessage carries an opaque RPC payload tagged with the
// originating channel id.
type RpcRequestMessage struct {
	Type    Type   `cbor:"type"`
	ChanID  int    `cbor:"chan_id"`
	Payload []byte `cbor:"payload"`
}

func (m *RpcRequestMessage) MessageType() Type { return TypeRpcRequest }

// RpcReplyMessage is the server's response, echoing the same channel id so
// the client's multiplexer can route it.
type RpcReplyMessage struct {
	Type    Type   `cbor:"type"`
	ChanID  int    `cbor:"chan_id"`
	Payload []byte `cbor:"payload"`
}

func (m *RpcReplyMessage) MessageType() Type { return TypeRpcReply }

// PtyMessage carries a chunk of PTY byte stream in either direction.
type PtyMessage struct {
	Type Type   `cbor:"type"`
	Data []byte `cbor:"data"`
}

func (m *PtyMessage) MessageType() Type { return TypePty }

// PtyResizeMessage requests a PTY window-size change.
type PtyResizeMessage struct {
	Type Type   `cbor:"type"`
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

func (m *PtyResizeMessage) MessageType() Type { return TypePtyResize }

// PtyClosedMessage notifies that the PTY has exited.
type PtyClosedMessage struct {
	Type   Type   `cbor:"type"`
	Reason string `cbor:"reason"`
}

func (m *PtyClosedMessage) MessageType() Type { return TypePtyClosed }

// FileEntryStreamMessage carries one chunk of a file being streamed to the
// peer. Eof marks the final chunk (which may also be the first, for an
// empty file).
type FileEntryStreamMessage struct {
	Type Type   `cbor:"type"`
	Path string `cbor:"path"`
	Data []byte `cbor:"data"`
	Eof  bool   `cbor:"eof"`
}

func (m *FileEntryStreamMessage) MessageType() Type { return TypeFileEntryStream }

// LivelinessMessage is the liveness probe; the reply has Text set to the
// byte-reverse of the request's Text.
type LivelinessMessage struct {
	Type   Type   `cbor:"type"`
	ChanID int    `cbor:"chan_id"`
	Text   string `cbor:"text"`
}

func (m *LivelinessMessage) MessageType() Type { return TypeLiveliness }

// AesRekeyMessage requests that the session's symmetric key be rotated.
type AesRekeyMessage struct {
	Type Type `cbor:"type"`
}

func (m *AesRekeyMessage) MessageType() Type { return TypeAesRekey }
