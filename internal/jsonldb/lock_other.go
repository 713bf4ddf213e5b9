//go:build !unix && !windows

package jsonldb

import (
	"errors"
	"os"
	"runtime"
)

func tryLock(*os.File) (bool, error) {
	return false, errors.New("file locking is not supported on " + runtime.GOOS)
}

func unlockFile(*os.File) error {
	return nil
}
