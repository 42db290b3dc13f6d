package convo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/logging"
)

// DirWatcher reads normalized conversation JSON files from a directory
// ($SHARME_HOME/conversations by convention). External transcript
// parsers drop one file per session; anything unreadable or invalid is
// skipped.
type DirWatcher struct {
	dir string
	log *logging.Logger
}

// NewDirWatcher creates a watcher over dir.
func NewDirWatcher(dir string) *DirWatcher {
	return &DirWatcher{
		dir: dir,
		log: logging.WithField("component", "watcher"),
	}
}

// Conversations reads every *.json conversation in the directory,
// sorted by session for stable tick order.
func (w *DirWatcher) Conversations(ctx context.Context) ([]*core.Conversation, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var conversations []*core.Conversation
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(w.dir, entry.Name()))
		if err != nil {
			w.log.Debug("skipping %s: %v", entry.Name(), err)
			continue
		}

		var conv core.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			w.log.Debug("skipping %s: %v", entry.Name(), err)
			continue
		}
		if conv.Session == "" || conv.Client == "" {
			w.log.Debug("skipping %s: missing session or client", entry.Name())
			continue
		}

		conversations = append(conversations, &conv)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].Session < conversations[j].Session
	})
	return conversations, nil
}
