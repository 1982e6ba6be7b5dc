package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

// Instance is one data directory of the cluster.
type Instance struct {
	DbID    int    `toml:"dbid"`
	DataDir string `toml:"data_dir"`
}

// SegmentLayout is one content id: a primary and an optional mirror.
type SegmentLayout struct {
	Name      string    `toml:"name"`
	ContentID int       `toml:"content_id"`
	Primary   Instance  `toml:"primary"`
	Mirror    *Instance `toml:"mirror"`
}

// Layout is the cluster layout file:
//
//	[coordinator]
//	dbid = 1
//	data_dir = "coordinator"
//
//	[standby]
//	dbid = 6
//	data_dir = "standby"
//
//	[[segments]]
//	content_id = 0
//	[segments.primary]
//	dbid = 2
//	data_dir = "primary/gpseg0"
//	[segments.mirror]
//	dbid = 4
//	data_dir = "mirror/gpseg0"
//
// Relative data directories are resolved against the file's directory.
type Layout struct {
	Coordinator Instance        `toml:"coordinator"`
	Standby     *Instance       `toml:"standby"`
	Segments    []SegmentLayout `toml:"segments"`
}

func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read cluster layout")
	}
	l := &Layout{}
	if err := toml.Unmarshal(data, l); err != nil {
		return nil, errors.Wrapf(err, "parse cluster layout %s", path)
	}
	l.resolve(filepath.Dir(path))
	if err := l.Validate(); err != nil {
		return nil, errors.Wrapf(err, "cluster layout %s", path)
	}
	return l, nil
}

func (l *Layout) resolve(dir string) {
	abs := func(in *Instance) {
		if in != nil && in.DataDir != "" && !filepath.IsAbs(in.DataDir) {
			in.DataDir = filepath.Join(dir, in.DataDir)
		}
	}
	abs(&l.Coordinator)
	abs(l.Standby)
	for i := range l.Segments {
		abs(&l.Segments[i].Primary)
		abs(l.Segments[i].Mirror)
	}
}

// Validate checks that dbids, content ids and data directories are unique.
func (l *Layout) Validate() error {
	dbids := make(map[int]bool)
	dirs := make(map[string]bool)
	check := func(what string, in *Instance) error {
		if in == nil {
			return nil
		}
		if in.DbID <= 0 || in.DbID > 32767 {
			return errors.Errorf("%s: invalid dbid %d", what, in.DbID)
		}
		if in.DataDir == "" {
			return errors.Errorf("%s: data_dir is required", what)
		}
		if dbids[in.DbID] {
			return errors.Errorf("%s: dbid %d is used twice", what, in.DbID)
		}
		if dirs[in.DataDir] {
			return errors.Errorf("%s: data_dir %s is used twice", what, in.DataDir)
		}
		dbids[in.DbID] = true
		dirs[in.DataDir] = true
		return nil
	}
	if err := check("coordinator", &l.Coordinator); err != nil {
		return err
	}
	if err := check("standby", l.Standby); err != nil {
		return err
	}
	contents := make(map[int]bool)
	for i := range l.Segments {
		s := &l.Segments[i]
		if s.ContentID < 0 || contents[s.ContentID] {
			return errors.Errorf("segment %d: invalid or duplicate content_id %d", i, s.ContentID)
		}
		contents[s.ContentID] = true
		if err := check(fmt.Sprintf("segment %d primary", s.ContentID), &s.Primary); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("segment %d mirror", s.ContentID), s.Mirror); err != nil {
			return err
		}
	}
	return nil
}

// NodeConfigs turns the layout into node configurations; the standby is the
// coordinator's mirror.
func (l *Layout) NodeConfigs(cfg *Cfg) (node.Config, []node.Config) {
	coord := cfg.base()
	coord.Name = "coordinator"
	coord.DbID = basic.DbID(l.Coordinator.DbID)
	coord.ContentID = -1
	coord.Coordinator = true
	coord.DataDir = l.Coordinator.DataDir
	if l.Standby != nil {
		coord.MirrorDbID = basic.DbID(l.Standby.DbID)
		coord.MirrorDataDir = l.Standby.DataDir
	}

	segs := make([]node.Config, 0, len(l.Segments))
	for _, s := range l.Segments {
		n := cfg.base()
		n.Name = s.Name
		if n.Name == "" {
			n.Name = fmt.Sprintf("seg%d", s.ContentID)
		}
		n.DbID = basic.DbID(s.Primary.DbID)
		n.ContentID = s.ContentID
		n.DataDir = s.Primary.DataDir
		if s.Mirror != nil {
			n.MirrorDbID = basic.DbID(s.Mirror.DbID)
			n.MirrorDataDir = s.Mirror.DataDir
		}
		segs = append(segs, n)
	}
	return coord, segs
}
