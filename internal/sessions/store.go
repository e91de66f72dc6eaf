package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Store persists sessions. The file store is the default; a Postgres
// implementation lives in internal/store/pg.
type Store interface {
	LoadAll() (map[string]*Session, error)
	Save(snapshot *Session) error
	Delete(key string) error
}

// FileStore keeps one JSON file per session under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) LoadAll() (map[string]*Session, error) {
	out := make(map[string]*Session)

	files, err := os.ReadDir(fs.dir)
	if err != nil {
		return out, err
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out[s.Key] = &s
	}
	return out, nil
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (fs *FileStore) Save(snapshot *Session) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(snapshot.Key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(fs.dir, filename+".json")

	tmpFile, err := os.CreateTemp(fs.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (fs *FileStore) Delete(key string) error {
	path := filepath.Join(fs.dir, sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
