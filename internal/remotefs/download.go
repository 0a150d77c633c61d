package remotefs

import (
	"fmt"
	"io"
	"os"
)

// DownloadChunk opens the remote file, seeks to offset, reads up to
// chunkSize bytes in a single read, then opens (or creates, for offset==0)
// the local file and writes exactly the bytes read. It returns 0 on clean
// EOF. The remote handle is not cached across chunks — each call is
// self-contained, which keeps workers independent and interruptible.
//
// Grounded 1:1 on original_source/sftp_client.rs::download_chunk.
func (s *Session) DownloadChunk(remotePath, localPath string, offset int64, chunkSize int) (int, error) {
	remote, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("%w: open remote: %v", ErrIo, err)
	}
	defer remote.Close()

	if _, err := remote.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek remote: %v", ErrIo, err)
	}

	buf := make([]byte, chunkSize)
	n, err := remote.Read(buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: read remote: %v", ErrIo, err)
	}
	if n == 0 {
		return 0, nil
	}

	var local *os.File
	if offset == 0 {
		local, err = os.Create(localPath)
	} else {
		local, err = os.OpenFile(localPath, os.O_WRONLY|os.O_APPEND, 0644)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: open local: %v", ErrIo, err)
	}
	defer local.Close()

	if _, err := local.Write(buf[:n]); err != nil {
		return 0, fmt.Errorf("%w: write local: %v", ErrIo, err)
	}

	return n, nil
}
