package util

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func TestBufferWrite(t *testing.T) {
	var buff []byte
	buff = WriteUB2(buff, 0x0102)
	buff = WriteUB4(buff, 16384)
	buff = WriteUB8(buff, 1<<40+7)
	buff = WriteBool(buff, true)
	buff = WriteString(buff, "pg_system")
	buff = WriteLenBytes(buff, nil)

	cursor, u2 := ReadUB2(buff, 0)
	so(t, u2, assertions.ShouldEqual, uint16(0x0102))
	cursor, u4 := ReadUB4(buff, cursor)
	so(t, u4, assertions.ShouldEqual, uint32(16384))
	cursor, u8 := ReadUB8(buff, cursor)
	so(t, u8, assertions.ShouldEqual, uint64(1<<40+7))
	cursor, b := ReadBool(buff, cursor)
	so(t, b, assertions.ShouldBeTrue)
	cursor, s, err := ReadString(buff, cursor)
	so(t, err, assertions.ShouldBeNil)
	so(t, s, assertions.ShouldEqual, "pg_system")
	cursor, empty, err := ReadLenBytes(buff, cursor)
	so(t, err, assertions.ShouldBeNil)
	so(t, empty, assertions.ShouldBeEmpty)
	so(t, cursor, assertions.ShouldEqual, len(buff))
}

func TestShortBuffer(t *testing.T) {
	buff := WriteUB4(nil, 100)
	_, _, err := ReadLenBytes(buff, 0)
	so(t, err, assertions.ShouldNotBeNil)
	_, _, err = ReadLenBytes(buff[:2], 0)
	so(t, err, assertions.ShouldEqual, ErrShortBuffer)

	str := WriteString(nil, "pg_default")
	_, _, err = ReadString(str[:6], 0)
	so(t, err, assertions.ShouldNotBeNil)
}

func TestBlankPadded(t *testing.T) {
	buff := make([]byte, 16)
	cursor := PutBlankPadded(buff, 0, "/data/fs1", 12)
	so(t, cursor, assertions.ShouldEqual, 12)
	so(t, buff[11], assertions.ShouldEqual, byte(0))
	so(t, buff[10], assertions.ShouldEqual, byte(' '))
	_, s := ReadBlankPadded(buff, 0, 12)
	so(t, s, assertions.ShouldEqual, "/data/fs1")

	next := PutUB4(buff, cursor, 7)
	_, v := ReadUB4(buff, cursor)
	so(t, next, assertions.ShouldEqual, 16)
	so(t, v, assertions.ShouldEqual, uint32(7))
}
