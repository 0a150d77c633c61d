package remotefs

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"tachyon-sftp/internal/domain"
)

const (
	unitKB = 1024
	unitMB = unitKB * 1024
	unitGB = unitMB * 1024
	unitTB = unitGB * 1024
)

// FormatSize renders a byte count using binary units, two decimals above
// KB, and the bare "N B" form below. Grounded 1:1 on
// original_source/sftp_client.rs::format_size.
func FormatSize(size int64) string {
	switch {
	case size >= unitTB:
		return fmt.Sprintf("%.2f TB", float64(size)/float64(unitTB))
	case size >= unitGB:
		return fmt.Sprintf("%.2f GB", float64(size)/float64(unitGB))
	case size >= unitMB:
		return fmt.Sprintf("%.2f MB", float64(size)/float64(unitMB))
	case size >= unitKB:
		return fmt.Sprintf("%.2f KB", float64(size)/float64(unitKB))
	default:
		return fmt.Sprintf("%d B", size)
	}
}

// GetFileSize canonicalizes the path and stats it.
func (s *Session) GetFileSize(remotePath string) (int64, error) {
	canonical, err := s.sftpClient.RealPath(remotePath)
	if err != nil {
		return 0, fmt.Errorf("%w: canonicalize: %v", ErrFs, err)
	}
	info, err := s.sftpClient.Stat(canonical)
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrFs, err)
	}
	return info.Size(), nil
}

// ListDir canonicalizes path and reads exactly that one directory. Results
// are sorted folders-first, then by name ascending (case-sensitive byte
// order). "." is dropped; ".." is kept only if the server actually returned
// it. Grounded 1:1 on original_source/sftp_client.rs::list_dir.
func (s *Session) ListDir(remotePath string) (string, []domain.RemoteFile, error) {
	canonical, err := s.sftpClient.RealPath(remotePath)
	if err != nil {
		return "", nil, fmt.Errorf("%w: canonicalize: %v", ErrFs, err)
	}

	entries, err := s.sftpClient.ReadDir(canonical)
	if err != nil {
		return "", nil, fmt.Errorf("%w: readdir: %v", ErrFs, err)
	}

	files := make([]domain.RemoteFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "." {
			continue
		}
		files = append(files, toRemoteFile(canonical, name, entry.Size(), entry.IsDir(), entry.ModTime()))
	}

	sortRemoteFiles(files)
	return canonical, files, nil
}

// RecursiveScan walks the remote tree depth-first starting at root and
// returns files only — folders are traversed but never emitted. "." and
// ".." are always skipped. A directory that cannot be read contributes
// nothing and does not abort the scan: partial enumeration beats total
// failure.
//
// This is an explicit stack-based DFS rather than sftp.Client.Walk, because
// Walk's own walker does not give per-directory error tolerance for free —
// grounded 1:1 on original_source/sftp_client.rs::recursive_scan.
func (s *Session) RecursiveScan(root string) ([]domain.RemoteFile, error) {
	canonical, err := s.sftpClient.RealPath(root)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize: %v", ErrFs, err)
	}

	var all []domain.RemoteFile
	stack := []string{canonical}

	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]

		entries, err := s.sftpClient.ReadDir(current)
		if err != nil {
			continue // tolerate per-directory errors silently
		}

		for _, entry := range entries {
			name := entry.Name()
			if name == "." || name == ".." {
				continue
			}
			childPath := path.Join(current, name)

			if entry.IsDir() {
				stack = append(stack, childPath)
				continue
			}
			all = append(all, toRemoteFile(current, name, entry.Size(), false, entry.ModTime()))
		}
	}

	return all, nil
}

func toRemoteFile(dir, name string, size int64, isDir bool, modTime time.Time) domain.RemoteFile {
	fileType := domain.FileTypeFile
	sizeStr := FormatSize(size)
	if isDir {
		fileType = domain.FileTypeFolder
		sizeStr = ""
	}

	modified := ""
	if !modTime.IsZero() {
		modified = modTime.UTC().Format("2006-01-02 15:04:05")
	}

	return domain.RemoteFile{
		Name:      name,
		Path:      path.Join(dir, name),
		Size:      sizeStr,
		SizeBytes: size,
		FileType:  fileType,
		Modified:  modified,
	}
}

func sortRemoteFiles(files []domain.RemoteFile) {
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.FileType != b.FileType {
			return a.FileType == domain.FileTypeFolder
		}
		return strings.Compare(a.Name, b.Name) < 0
	})
}
