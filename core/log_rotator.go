package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogRotator 按大小轮转的日志文件写入器
// 备份命名为 <file>.1 (最新) ... <file>.N
type LogRotator struct {
	filename    string
	maxSize     int64 // bytes，<= 0 表示不轮转
	backups     int
	mu          sync.Mutex
	file        *os.File
	currentSize int64
}

// NewLogRotator maxSizeMB 为单文件上限，backups 为保留的备份数 (至少 1)
func NewLogRotator(filename string, maxSizeMB, backups int) (*LogRotator, error) {
	if backups < 1 {
		backups = 1
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		backups:  backups,
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) openFile() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSize > 0 && r.currentSize > 0 && r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "Log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *LogRotator) backupName(i int) string {
	return fmt.Sprintf("%s.%d", r.filename, i)
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	// 最旧的备份被覆盖，其余依次后移
	os.Remove(r.backupName(r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		os.Rename(r.backupName(i), r.backupName(i+1))
	}
	if err := os.Rename(r.filename, r.backupName(1)); err != nil {
		if openErr := r.openFile(); openErr != nil {
			return openErr
		}
		return err
	}
	return r.openFile()
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
