package util

import "github.com/pkg/errors"

// ErrShortBuffer 解码时缓冲区长度不足
var ErrShortBuffer = errors.New("short buffer")

func ReadBytes(buff []byte, cursor int, offset int) (int, []byte) {
	if offset <= 0 {
		return cursor, nil
	}
	return cursor + offset, buff[cursor : cursor+offset]
}

func ReadByte(buff []byte, cursor int) (int, byte) {
	return cursor + 1, buff[cursor]
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	i := uint16(buff[cursor])
	i |= uint16(buff[cursor+1]) << 8
	return cursor + 2, i
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	var i uint64
	for k := 0; k < 8; k++ {
		i |= uint64(buff[cursor+k]) << (8 * k)
	}
	return cursor + 8, i
}

func ReadBool(buff []byte, cursor int) (int, bool) {
	return cursor + 1, buff[cursor] != 0
}

// ReadLenBytes 读取4字节长度前缀的内容，长度越界时返回 ErrShortBuffer
func ReadLenBytes(buff []byte, cursor int) (int, []byte, error) {
	if cursor+4 > len(buff) {
		return cursor, nil, ErrShortBuffer
	}
	cursor, n := ReadUB4(buff, cursor)
	if cursor+int(n) > len(buff) {
		return cursor, nil, errors.Wrapf(ErrShortBuffer, "need %d bytes at %d, have %d", n, cursor, len(buff))
	}
	out := make([]byte, n)
	copy(out, buff[cursor:cursor+int(n)])
	return cursor + int(n), out, nil
}

func ReadString(buff []byte, cursor int) (int, string, error) {
	cursor, b, err := ReadLenBytes(buff, cursor)
	return cursor, string(b), err
}

// ReadBlankPadded 读取 PutBlankPadded 写入的定长字段
func ReadBlankPadded(buff []byte, cursor int, width int) (int, string) {
	s := buff[cursor : cursor+width-1]
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return cursor + width, string(s)
}
