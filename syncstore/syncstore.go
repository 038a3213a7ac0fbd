package syncstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// a synchronized document store for one host process and n client processes
// connected by asynchronous message passing.
// the host owns the single authoritative state value.
// clients hold replicas that request mutations and reconcile against
// host broadcasts, optionally applying updates optimistically.

// returned when replica or host state is read before the readiness signal
var ErrNotReady = errors.New("store not ready")

var ErrUnknownStore = errors.New("unknown store")

var ErrBadFrame = errors.New("bad frame")

// raised by a configured validator to abort an in-flight write.
// state and persisted data remain unchanged
type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected write: %s", self.Message)
}

// a client request that did not take effect on the host
// (transport error or host-side rejection)
type SyncError struct {
	Op  string
	Err error
}

func (self *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s", self.Op, self.Err)
}

func (self *SyncError) Unwrap() error {
	return self.Err
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
