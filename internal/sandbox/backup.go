package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/metrics"
	"github.com/edward-labs/edward/internal/storage"
)

// backupExclude lists directory names never worth archiving.
var backupExclude = []string{"node_modules", ".next", "dist", "build", ".turbo", ".cache"}

const (
	backupHintTTL = 7 * 24 * time.Hour
	// snapshotMaxFileBytes bounds which files land in the JSON snapshot.
	// Larger files are only in the tar backup.
	snapshotMaxFileBytes = 64 << 10
)

// BackupHintKey marks that a chat has at least one backup, so cold starts can
// skip an object-store round trip.
func BackupHintKey(chatID string) string {
	return "backup:exists:" + chatID
}

// Backup archives the sandbox workspace to object storage: a tar.gz of the
// full tree plus a gzipped JSON snapshot of the small text files. Best-effort;
// a vanished container is not an error.
func (m *Manager) Backup(ctx context.Context, sandboxID string) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	if err := m.flushInstance(ctx, inst, false); err != nil {
		return err
	}

	inst.execMu.Lock()
	rc, err := m.rt.ExportTar(ctx, inst.ContainerID, m.cfg.Workspace, backupExclude)
	if err != nil {
		inst.execMu.Unlock()
		if errors.Is(err, ErrContainerGone) {
			m.log.Warn("backup skipped, container gone", zap.String("sandbox_id", sandboxID))
			return nil
		}
		metrics.SandboxBackups.WithLabelValues("error").Inc()
		return apperr.Wrap(apperr.KindSandbox, "export workspace", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	inst.execMu.Unlock()
	if err != nil {
		metrics.SandboxBackups.WithLabelValues("error").Inc()
		return apperr.Wrap(apperr.KindSandbox, "read workspace archive", err)
	}

	var archive bytes.Buffer
	gz := gzip.NewWriter(&archive)
	if _, err := gz.Write(raw); err != nil {
		return apperr.Wrap(apperr.KindSandbox, "compress archive", err)
	}
	if err := gz.Close(); err != nil {
		return apperr.Wrap(apperr.KindSandbox, "compress archive", err)
	}

	key := storage.BackupKey(inst.UserID, inst.ChatID)
	if err := m.store.Put(ctx, key, &archive); err != nil {
		metrics.SandboxBackups.WithLabelValues("error").Inc()
		return apperr.Wrap(apperr.KindInfrastructure, "upload backup", err)
	}

	if snap, err := buildSnapshot(raw); err != nil {
		m.log.Warn("snapshot build failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
	} else if err := m.store.Put(ctx, storage.SnapshotKey(inst.UserID, inst.ChatID), snap); err != nil {
		m.log.Warn("snapshot upload failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}

	if m.kv != nil {
		if err := m.kv.Set(ctx, BackupHintKey(inst.ChatID), []byte("1"), backupHintTTL); err != nil {
			m.log.Warn("backup hint write failed", zap.String("chat_id", inst.ChatID), zap.Error(err))
		}
	}

	metrics.SandboxBackups.WithLabelValues("ok").Inc()
	m.log.Info("workspace backed up",
		zap.String("sandbox_id", sandboxID),
		zap.String("key", key),
		zap.Int("archive_bytes", archive.Len()))
	return nil
}

// Restore extracts the latest backup into the sandbox workspace. Missing
// backups are not an error; the sandbox simply starts empty.
func (m *Manager) Restore(ctx context.Context, sandboxID string) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}

	if m.kv != nil {
		if exists, err := m.kv.Exists(ctx, BackupHintKey(inst.ChatID)); err == nil && !exists {
			// The hint can expire while the object lives on, so only a
			// positive miss from the store below is authoritative.
			m.log.Debug("no backup hint for chat", zap.String("chat_id", inst.ChatID))
		}
	}

	rc, err := m.store.Get(ctx, storage.BackupKey(inst.UserID, inst.ChatID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "fetch backup", err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return apperr.Wrap(apperr.KindSandbox, "decompress backup", err)
	}
	defer gz.Close()

	inst.execMu.Lock()
	defer inst.execMu.Unlock()
	if err := m.rt.ImportTar(ctx, inst.ContainerID, m.cfg.Workspace, gz); err != nil {
		return apperr.Wrap(apperr.KindSandbox, "extract backup", err)
	}
	m.log.Info("workspace restored", zap.String("sandbox_id", sandboxID), zap.String("chat_id", inst.ChatID))
	return nil
}

// WorkspaceFiles reads the small text files straight out of a live sandbox,
// for fix/edit sessions that need the current project as model context.
func (m *Manager) WorkspaceFiles(ctx context.Context, sandboxID string) (map[string]string, error) {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return nil, apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	if err := m.flushInstance(ctx, inst, false); err != nil {
		return nil, err
	}

	inst.execMu.Lock()
	rc, err := m.rt.ExportTar(ctx, inst.ContainerID, m.cfg.Workspace, backupExclude)
	if err != nil {
		inst.execMu.Unlock()
		return nil, apperr.Wrap(apperr.KindSandbox, "export workspace", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	inst.execMu.Unlock()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "read workspace archive", err)
	}
	return snapshotFiles(raw)
}

// LoadSnapshot reads the gzipped JSON snapshot for a chat without touching
// any container. Used by fix/edit sessions when no sandbox is live.
func (m *Manager) LoadSnapshot(ctx context.Context, userID, chatID string) (map[string]string, error) {
	rc, err := m.store.Get(ctx, storage.SnapshotKey(userID, chatID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "fetch snapshot", err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "decompress snapshot", err)
	}
	defer gz.Close()

	var files map[string]string
	if err := json.NewDecoder(gz).Decode(&files); err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "decode snapshot", err)
	}
	return files, nil
}

// DeleteChatData removes every stored object for a chat and its hint key.
func (m *Manager) DeleteChatData(ctx context.Context, userID, chatID string) error {
	if err := m.store.DeletePrefix(ctx, storage.ChatPrefix(userID, chatID)); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "delete chat objects", err)
	}
	if m.kv != nil {
		_ = m.kv.Del(ctx, BackupHintKey(chatID))
	}
	return nil
}

// snapshotFiles extracts the small text files from a raw workspace tar.
func snapshotFiles(rawTar []byte) (map[string]string, error) {
	files := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(rawTar))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size > snapshotMaxFileBytes {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(data) {
			continue
		}
		files[hdr.Name] = string(data)
	}
	return files, nil
}

// buildSnapshot turns a raw workspace tar into a gzipped JSON map of the
// small text files.
func buildSnapshot(rawTar []byte) (io.Reader, error) {
	files, err := snapshotFiles(rawTar)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	if err := json.NewEncoder(gz).Encode(files); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &out, nil
}
