package manager

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
	"github.com/zhukovaskychina/xgp-server/util"
)

// ValidateFilespaceDir checks a location given to CREATE FILESPACE. It
// changes nothing; every failure is an ordinary user error.
func ValidateFilespaceDir(location string) error {
	if strings.Contains(location, "'") {
		return basic.ErrInvalidPath("filespace location \"%s\" cannot contain single quotes", location)
	}
	if !filepath.IsAbs(location) {
		return basic.ErrInvalidPath("filespace location \"%s\" must be an absolute path", location)
	}
	if len(location) >= persistent.MaxLocationLen {
		return basic.ErrInvalidPath("filespace location \"%s\" is too long", location)
	}
	clean := filepath.Clean(location)

	st, err := os.Stat(clean)
	switch {
	case err == nil:
		if !st.IsDir() {
			return basic.ErrInvalidPath("filespace location \"%s\" exists and is not a directory", location)
		}
		empty, err := util.IsDirEmpty(clean)
		if err != nil {
			return basic.ErrInvalidPath("could not read directory \"%s\": %v", location, err)
		}
		if !empty {
			return basic.ErrInvalidPath("directory \"%s\" is not empty", location)
		}
		return nil
	case !os.IsNotExist(err):
		return basic.ErrInvalidPath("could not stat \"%s\": %v", location, err)
	}

	parent := filepath.Dir(clean)
	pst, err := os.Stat(parent)
	if err != nil || !pst.IsDir() {
		return basic.ErrInvalidPath("parent directory \"%s\" of filespace location does not exist", parent)
	}
	if err := unix.Access(parent, unix.W_OK|unix.X_OK); err != nil {
		return basic.ErrInsufficientPrivilege("could not create directory \"%s\": permission denied", location)
	}
	return nil
}
