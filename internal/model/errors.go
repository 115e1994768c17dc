package model

import "errors"

var (
	ErrDuplicateJob        = errors.New("job already exists for url")
	ErrProbeTimeout        = errors.New("format probe timed out")
	ErrProbeFailed         = errors.New("format probe failed")
	ErrSpawnFailed         = errors.New("failed to start downloader process")
	ErrProcessExit         = errors.New("downloader exited with error")
	ErrFileNotDeterminable = errors.New("could not determine downloaded file")
	ErrCancelled           = errors.New("cancelled by user")
	ErrInvalidURL          = errors.New("invalid url")
	ErrSchedulerClosed     = errors.New("scheduler is shut down")
)
