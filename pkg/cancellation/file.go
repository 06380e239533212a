package cancellation

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

const (
	folderPrefix = "offload-cancellation-"
	markerPrefix = "cancellation-"
	markerSuffix = ".tmp"

	folderPerm = 0o700
	markerPerm = 0o600
)

// FileBroker materializes cancellation as marker files: the existence of
// <folder>/cancellation-<id>.tmp means "cancel request <id>". Every request
// uses its own file, created, stat'ed and removed atomically, so controller
// and executor never lock or rewrite a shared file.
type FileBroker struct {
	root   string
	seq    sequence
	logger *slog.Logger
}

// NewFileBroker creates a broker resolving relative folder names against
// root. An empty root uses the OS temp directory.
func NewFileBroker(root string, logger *slog.Logger) *FileBroker {
	if root == "" {
		root = os.TempDir()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileBroker{root: root, logger: logger}
}

// Root returns the directory relative folder names are resolved against.
func (b *FileBroker) Root() string {
	return b.root
}

// NewFolder creates a fresh per-session cancellation folder and returns its
// absolute path, suitable for InitializationData.CancellationFolderName.
func (b *FileBroker) NewFolder() (string, error) {
	dir := filepath.Join(b.root, folderPrefix+uuid.NewString())

	err := os.MkdirAll(dir, folderPerm)
	if err != nil {
		return "", fmt.Errorf("create cancellation folder: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil //nolint:nilerr // relative path still works for this process.
	}

	return abs, nil
}

// RemoveFolder deletes a session folder and any markers left in it.
func (b *FileBroker) RemoveFolder(folder string) error {
	err := os.RemoveAll(b.dir(folder))
	if err != nil {
		return fmt.Errorf("remove cancellation folder: %w", err)
	}

	return nil
}

// NewToken implements Broker.
func (b *FileBroker) NewToken(folder string) (Token, CancelFunc) {
	token := Token{Folder: folder, ID: b.seq.next()}

	return token, func() { b.touch(token) }
}

// IsCancelled implements Checker with a single stat call.
func (b *FileBroker) IsCancelled(folder string, id RequestID) bool {
	_, err := os.Stat(b.markerPath(folder, id))

	return err == nil
}

// Dispose implements Broker by removing the marker, if any.
func (b *FileBroker) Dispose(folder string, id RequestID) {
	err := os.Remove(b.markerPath(folder, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Debug("cancellation: dispose marker failed",
			"folder", folder, "id", uint64(id), "error", err)
	}
}

// touch creates the marker. Failures are logged and swallowed: an unwritable
// folder turns cancellation into a no-op rather than an error.
func (b *FileBroker) touch(token Token) {
	file, err := os.OpenFile(b.markerPath(token.Folder, token.ID), os.O_CREATE|os.O_WRONLY, markerPerm)
	if err != nil {
		b.logger.Debug("cancellation: marker write failed, request will run to completion",
			"token", token.String(), "error", err)

		return
	}

	_ = file.Close()
}

func (b *FileBroker) dir(folder string) string {
	if filepath.IsAbs(folder) {
		return folder
	}

	return filepath.Join(b.root, folder)
}

func (b *FileBroker) markerPath(folder string, id RequestID) string {
	return filepath.Join(b.dir(folder), markerName(id))
}

func markerName(id RequestID) string {
	return markerPrefix + strconv.FormatUint(uint64(id), 10) + markerSuffix
}
