package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum32 计算日志记录的校验和
func Checksum32(parts ...[]byte) uint32 {
	h := xxhash.New32()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum32()
}
