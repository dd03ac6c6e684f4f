// Package errs defines the error taxonomy shared by every PPC node
// component. Errors carry a stable numeric code plus a short message so
// the RPC layer can surface `{code, message}` without leaking internals.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code enumerates the error taxonomy of spec.md §7.
type Code int

const (
	OK Code = iota
	TaskNotFound
	DuplicatedTask
	DataResourceOccupied
	TaskCountReachMax
	TaskParamsError
	PeerNodeDown
	PeerNotifyFinish
	TaskTimeout
	TaskKilled
	TaskIsNotRunning
	TaskNotReady
	HandshakeFailed
	LoadDataFailed
	OpenFileFailed
	HDFSOpenMetaInfoFailed
	HDFSReadDataFailed
	HDFSWriteDataFailed
	HDFSFlushFailed
	OpenFileLineWriterException
	CloseFileLineWriterException
	UnSupportedDataResource
	InvalidMmapGranularity
	MmapFileException
	InvalidParam
	ConnectionOptionNotFound
	LoadDataResourceException
	UnknownPSIPacketType
	DecodePPCMessageError
	SyncPSIResultFailed
	Timeout
	NetworkError
	OnException
	CipherNotConfigured
)

var codeNames = map[Code]string{
	OK:                           "OK",
	TaskNotFound:                 "TaskNotFound",
	DuplicatedTask:               "DuplicatedTask",
	DataResourceOccupied:         "DataResourceOccupied",
	TaskCountReachMax:            "TaskCountReachMax",
	TaskParamsError:              "TaskParamsError",
	PeerNodeDown:                 "PeerNodeDown",
	PeerNotifyFinish:             "PeerNotifyFinish",
	TaskTimeout:                  "TaskTimeout",
	TaskKilled:                   "TaskKilled",
	TaskIsNotRunning:             "TaskIsNotRunning",
	TaskNotReady:                 "TaskNotReady",
	HandshakeFailed:              "HandshakeFailed",
	LoadDataFailed:               "LoadDataFailed",
	OpenFileFailed:               "OpenFileFailed",
	HDFSOpenMetaInfoFailed:       "HDFSOpenMetaInfoFailed",
	HDFSReadDataFailed:           "HDFSReadDataFailed",
	HDFSWriteDataFailed:          "HDFSWriteDataFailed",
	HDFSFlushFailed:              "HDFSFlushFailed",
	OpenFileLineWriterException:  "OpenFileLineWriterException",
	CloseFileLineWriterException: "CloseFileLineWriterException",
	UnSupportedDataResource:      "UnSupportedDataResource",
	InvalidMmapGranularity:       "InvalidMmapGranularity",
	MmapFileException:           "MmapFileException",
	InvalidParam:                "InvalidParam",
	ConnectionOptionNotFound:     "ConnectionOptionNotFound",
	LoadDataResourceException:    "LoadDataResourceException",
	UnknownPSIPacketType:         "UnknownPSIPacketType",
	DecodePPCMessageError:        "DECODE_PPC_MESSAGE_ERROR",
	SyncPSIResultFailed:          "SyncPSIResultFailed",
	Timeout:                      "TIMEOUT",
	NetworkError:                 "NETWORK_ERROR",
	OnException:                  "OnException",
	CipherNotConfigured:          "CipherNotConfigured",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// TaskError is the error value propagated across task/engine boundaries.
// It is the only error type the Orchestrator inspects when deciding how
// to finish a task (spec.md §7).
type TaskError struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a stack trace via cockroachdb/errors while preserving the
// taxonomy code, so callers can still switch on Code after unwrapping.
func Wrap(err error, code Code, message string) *TaskError {
	return &TaskError{Code: code, Message: message, cause: errors.Wrap(err, message)}
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As reports whether err is (or wraps) a *TaskError and returns it.
func As(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or OnException if err is not a
// *TaskError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if te, ok := As(err); ok {
		return te.Code
	}
	return OnException
}
