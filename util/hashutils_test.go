package util

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func TestChecksum32(t *testing.T) {
	a := Checksum32([]byte("xlog"), []byte("record"))
	so(t, Checksum32([]byte("xlogrecord")), assertions.ShouldEqual, a)
	so(t, Checksum32([]byte("xlog"), []byte("recorD")), assertions.ShouldNotEqual, a)
	so(t, Checksum32(), assertions.ShouldEqual, Checksum32(nil))
}
