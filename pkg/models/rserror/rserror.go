package rserror

import (
	"errors"
	"fmt"
)

const (
	RS_UNEXPECTED          = "TABRU"
	RS_MERGE_ERROR         = "TABRM"
	RS_TRANSITION_ERROR    = "TABRT"
	RS_NODE_EXISTS         = "TABRN"
	RS_CATALOG_ERROR       = "TABRC"
	RS_REGION_ERROR        = "TABRR"
	RS_METADATA_CORRUPTION = "TABRD"
	RS_SERVER_STOPPED      = "TABRS"
)

var existingErrorCodeMap = map[string]string{
	RS_MERGE_ERROR:         "Region merge error",
	RS_TRANSITION_ERROR:    "Region transition error",
	RS_NODE_EXISTS:         "Transition node already exists",
	RS_CATALOG_ERROR:       "Catalog error",
	RS_REGION_ERROR:        "Region lifecycle error",
	RS_METADATA_CORRUPTION: "Metadata corruption",
	RS_SERVER_STOPPED:      "Server stopped",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &RSError{}

type RSError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *RSError {
	return &RSError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *RSError {
	return New(errorCode, fmt.Sprintf(format, a...))
}

func (er *RSError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

// ErrClosedByOtherServer is the dedicated variant for a merging region that
// turned out to be closed by someone else before this server closed it. The
// merge rollback matches on it to decide whether re-initializing the region
// is its job.
var ErrClosedByOtherServer = New(RS_REGION_ERROR, "failed to close region: already closed by another thread")

// IsNodeExists reports whether err carries the RS_NODE_EXISTS code.
func IsNodeExists(err error) bool {
	var rse *RSError
	if errors.As(err, &rse) {
		return rse.ErrorCode == RS_NODE_EXISTS
	}
	return false
}
