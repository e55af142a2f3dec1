package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/natemellendorf/relaychat/internal/model"
)

// QueueKey is the composite key for the queue_by_recipient bucket.
type QueueKey struct {
	To        string
	CreatedAt time.Time
	MsgID     string
}

// EncodeMessage encodes a RelayMessage to bytes.
func EncodeMessage(msg *model.RelayMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage decodes bytes to a RelayMessage.
func DecodeMessage(data []byte) (*model.RelayMessage, error) {
	msg := &model.RelayMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// encodeTime encodes t as 8 big-endian bytes of Unix nanoseconds so that
// keys sort chronologically.
func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, ErrInvalidKey
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))), nil
}

// EncodeQueueKey encodes a QueueKey as to|0x00|created_at(8)|msg_id.
func EncodeQueueKey(key *QueueKey) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(key.To)
	buf.WriteByte(0) // separator
	buf.Write(encodeTime(key.CreatedAt))
	buf.WriteString(key.MsgID)
	return buf.Bytes()
}

// DecodeQueueKey decodes bytes to a QueueKey.
func DecodeQueueKey(data []byte) (*QueueKey, error) {
	sep := bytes.IndexByte(data, 0)
	if sep < 0 || len(data) < sep+1+8 {
		return nil, ErrInvalidKey
	}
	createdAt, err := decodeTime(data[sep+1 : sep+9])
	if err != nil {
		return nil, err
	}
	return &QueueKey{
		To:        string(data[:sep]),
		CreatedAt: createdAt,
		MsgID:     string(data[sep+9:]),
	}, nil
}

// QueuePrefix returns the key prefix shared by all queue entries of a recipient.
func QueuePrefix(recipientID string) []byte {
	return append([]byte(recipientID), 0)
}

// EncodeExpiryKey encodes an expiry key (expires_at(8)|msg_id).
func EncodeExpiryKey(msgID string, expiresAt time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.Write(encodeTime(expiresAt))
	buf.WriteString(msgID)
	return buf.Bytes()
}

// DecodeExpiryKey decodes an expiry key.
func DecodeExpiryKey(data []byte) (msgID string, expiresAt time.Time, err error) {
	if len(data) < 8 {
		return "", time.Time{}, ErrInvalidKey
	}
	expiresAt, err = decodeTime(data[:8])
	if err != nil {
		return "", time.Time{}, err
	}
	return string(data[8:]), expiresAt, nil
}
