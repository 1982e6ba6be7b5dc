package util

// 小端序游标式编码，与 buffer_reader.go 对应

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	return append(buf,
		byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

// WriteLenBytes 写入4字节长度前缀和内容
func WriteLenBytes(buf []byte, from []byte) []byte {
	buf = WriteUB4(buf, uint32(len(from)))
	return append(buf, from...)
}

// WriteString 写入4字节长度前缀的字符串
func WriteString(buf []byte, s string) []byte {
	buf = WriteUB4(buf, uint32(len(s)))
	return append(buf, s...)
}

// WriteBool 写入单字节布尔值
func WriteBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// PutUB2 在固定位置写入，用于定长元组
func PutUB2(buf []byte, cursor int, i uint16) int {
	buf[cursor] = byte(i)
	buf[cursor+1] = byte(i >> 8)
	return cursor + 2
}

func PutUB4(buf []byte, cursor int, i uint32) int {
	buf[cursor] = byte(i)
	buf[cursor+1] = byte(i >> 8)
	buf[cursor+2] = byte(i >> 16)
	buf[cursor+3] = byte(i >> 24)
	return cursor + 4
}

func PutUB8(buf []byte, cursor int, i uint64) int {
	for k := 0; k < 8; k++ {
		buf[cursor+k] = byte(i >> (8 * k))
	}
	return cursor + 8
}

// PutBlankPadded 写入空格填充、末字节为NUL的定长字段
func PutBlankPadded(buf []byte, cursor int, s string, width int) int {
	field := buf[cursor : cursor+width]
	for k := range field {
		field[k] = ' '
	}
	copy(field[:width-1], s)
	field[width-1] = 0
	return cursor + width
}
