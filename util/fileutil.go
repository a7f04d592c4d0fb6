package util

import (
	"os"
	"path/filepath"
)

// PathExists 路径是否存在
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureDir 目录不存在时创建(含父目录)
func EnsureDir(dir string) error {
	exists, err := PathExists(dir)
	if err != nil || exists {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// OpenOrCreateFile 以读写方式打开文件，不存在时在已创建的父目录下新建
func OpenOrCreateFile(filePath string) (*os.File, bool, error) {
	exists, err := PathExists(filePath)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		if err := EnsureDir(filepath.Dir(filePath)); err != nil {
			return nil, false, err
		}
	}
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, err
	}
	return f, !exists, nil
}
