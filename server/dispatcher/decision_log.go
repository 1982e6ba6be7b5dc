package dispatcher

import (
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DecisionLogFileName lives in the coordinator's data directory.
const DecisionLogFileName = "pg_distributedlog"

// decisionLog 记录已经决定提交的分布式事务。
// gid 写入之后就是提交点：之后任何参与者重启，都按提交处理它的准备事务
type decisionLog struct {
	mu        sync.Mutex
	path      string
	committed map[string]struct{}
}

func openDecisionLog(path string) (*decisionLog, error) {
	l := &decisionLog{path: path, committed: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	var gids []string
	if err := json.Unmarshal(data, &gids); err != nil {
		return nil, jerrors.Annotatef(err, "decode %s", path)
	}
	for _, gid := range gids {
		l.committed[gid] = struct{}{}
	}
	return l, nil
}

func (l *decisionLog) writeLocked() error {
	gids := make([]string, 0, len(l.committed))
	for gid := range l.committed {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	data, err := json.Marshal(gids)
	if err != nil {
		return jerrors.Trace(err)
	}
	return jerrors.Trace(util.WriteFileAtomic(l.path, data))
}

// commit durably records that gid commits.
func (l *decisionLog) commit(gid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed[gid] = struct{}{}
	if err := l.writeLocked(); err != nil {
		delete(l.committed, gid)
		return err
	}
	return nil
}

func (l *decisionLog) isCommitted(gid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.committed[gid]
	return ok
}

// forget drops gids no participant holds prepared any more.
func (l *decisionLog) forget(gids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.committed)
	for _, gid := range gids {
		delete(l.committed, gid)
	}
	if len(l.committed) == n {
		return nil
	}
	return l.writeLocked()
}

func (l *decisionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.committed))
	for gid := range l.committed {
		out = append(out, gid)
	}
	sort.Strings(out)
	return out
}
