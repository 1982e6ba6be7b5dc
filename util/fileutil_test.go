package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/assertions"
)

func so(t *testing.T, actual interface{}, assert func(interface{}, ...interface{}) string, expected ...interface{}) {
	t.Helper()
	if ok, msg := assertions.So(actual, assert, expected...); !ok {
		t.Fatal(msg)
	}
}

func TestRemoveTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ts")
	created, err := MkdirIfMissing(dir, 0700)
	so(t, err, assertions.ShouldBeNil)
	so(t, created, assertions.ShouldBeTrue)

	created, err = MkdirIfMissing(dir, 0700)
	so(t, err, assertions.ShouldBeNil)
	so(t, created, assertions.ShouldBeFalse)

	so(t, os.WriteFile(filepath.Join(dir, "16384"), []byte("x"), 0600), assertions.ShouldBeNil)

	existed, err := RemoveTree(dir)
	so(t, err, assertions.ShouldBeNil)
	so(t, existed, assertions.ShouldBeTrue)

	existed, err = RemoveTree(dir)
	so(t, err, assertions.ShouldBeNil)
	so(t, existed, assertions.ShouldBeFalse)
}

func TestIsDirEmpty(t *testing.T) {
	dir := t.TempDir()
	empty, err := IsDirEmpty(dir)
	so(t, err, assertions.ShouldBeNil)
	so(t, empty, assertions.ShouldBeTrue)

	so(t, CreateFileExclusive(filepath.Join(dir, "f")), assertions.ShouldBeNil)
	empty, err = IsDirEmpty(dir)
	so(t, err, assertions.ShouldBeNil)
	so(t, empty, assertions.ShouldBeFalse)

	err = CreateFileExclusive(filepath.Join(dir, "f"))
	so(t, os.IsExist(err), assertions.ShouldBeTrue)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_control")
	so(t, WriteFileAtomic(path, []byte("one")), assertions.ShouldBeNil)
	so(t, WriteFileAtomic(path, []byte("two")), assertions.ShouldBeNil)

	data, err := os.ReadFile(path)
	so(t, err, assertions.ShouldBeNil)
	so(t, string(data), assertions.ShouldEqual, "two")

	exists, err := PathExists(path + ".tmp")
	so(t, err, assertions.ShouldBeNil)
	so(t, exists, assertions.ShouldBeFalse)
}
