package crtime

import (
	"fmt"

	"emperror.dev/errors"
)

// Kind identifies why a pipeline run failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArguments
	KindInvalidInodeArgument
	KindInodeTooLarge
	KindStatFailed
	KindDeviceResolutionFailed
	KindFilesystemOpenFailed
	KindInodeReadFailed
	KindOutOfMemory
)

// Category groups kinds into the broad classes of failure.
type Category string

const (
	CategoryInput      Category = "input"
	CategoryResolution Category = "resolution"
	CategoryFilesystem Category = "filesystem"
	CategoryIO         Category = "io"
	CategoryResource   Category = "resource"
	CategoryInternal   Category = "internal"
)

// Exit codes returned by the crtime command. These values are stable.
const (
	ExitSuccess                = 0
	ExitInvalidArguments       = 1
	ExitInvalidInodeArgument   = 2
	ExitInodeTooLarge          = 3
	ExitStatFailed             = 4
	ExitDeviceResolutionFailed = 5
	ExitFilesystemOpenFailed   = 6
	ExitInodeReadFailed        = 7
	ExitOutOfMemory            = 8
	ExitCrtimeUnavailable      = 9
	ExitConfiguration          = 10
	ExitUnknown                = 125
)

var kinds = map[Kind]struct {
	name     string
	category Category
	exit     int
}{
	KindUnknown:                {"Unknown", CategoryInternal, ExitUnknown},
	KindInvalidArguments:       {"InvalidArguments", CategoryInput, ExitInvalidArguments},
	KindInvalidInodeArgument:   {"InvalidInodeArgument", CategoryInput, ExitInvalidInodeArgument},
	KindInodeTooLarge:          {"InodeTooLarge", CategoryInput, ExitInodeTooLarge},
	KindStatFailed:             {"StatFailed", CategoryResolution, ExitStatFailed},
	KindDeviceResolutionFailed: {"DeviceResolutionFailed", CategoryResolution, ExitDeviceResolutionFailed},
	KindFilesystemOpenFailed:   {"FilesystemOpenFailed", CategoryFilesystem, ExitFilesystemOpenFailed},
	KindInodeReadFailed:        {"InodeReadFailed", CategoryIO, ExitInodeReadFailed},
	KindOutOfMemory:            {"OutOfMemory", CategoryResource, ExitOutOfMemory},
}

func (k Kind) String() string {
	if v, ok := kinds[k]; ok {
		return v.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) Category() Category {
	if v, ok := kinds[k]; ok {
		return v.category
	}
	return CategoryInternal
}

func (k Kind) ExitCode() int {
	if v, ok := kinds[k]; ok {
		return v.exit
	}
	return ExitUnknown
}

// Stage names the step of the pipeline that failed.
type Stage string

const (
	StageArguments Stage = "arguments"
	StageLocate    Stage = "locate inode"
	StageResolve   Stage = "resolve device"
	StageOpen      Stage = "open filesystem"
	StageAllocate  Stage = "allocate record"
	StageRead      Stage = "read inode"
)

// Error is returned for every failed pipeline run.
type Error struct {
	Kind  Kind
	Stage Stage
	err   error
}

// NewError returns a pipeline error of the given kind wrapping err.
func NewError(kind Kind, stage Stage, err error) error {
	return newError(kind, stage, err)
}

func newError(kind Kind, stage Stage, err error) error {
	return errors.WithStackDepth(&Error{Kind: kind, Stage: stage, err: err}, 2)
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("crtime: %s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("crtime: %s: %s: %s", e.Stage, e.Kind, e.err.Error())
}

func (e *Error) Unwrap() error {
	return e.err
}

// AsError returns the pipeline error wrapped in err, or nil if there is none.
func AsError(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return nil
}

// IsKind reports whether err is a pipeline error of the given kind.
func IsKind(err error, kind Kind) bool {
	if cerr := AsError(err); cerr != nil {
		return cerr.Kind == kind
	}
	return false
}

// ExitCode maps an error to the exit code the command should return.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if cerr := AsError(err); cerr != nil {
		return cerr.Kind.ExitCode()
	}
	return ExitUnknown
}
