package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Module store errors
// 12000-12999: Module runtime errors
// 13000-13999: Pod lifecycle errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalError ErrorCode = 10001
	InvalidParams ErrorCode = 10002
	NotFound      ErrorCode = 10003
	Timeout       ErrorCode = 10004

	// Config errors (10100-10199)
	ConfigInvalid ErrorCode = 10100

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// ========== Module Store Errors (11000-11999) ==========

	StoreUnreachable ErrorCode = 11000
	ObjectNotFound   ErrorCode = 11001
	ObjectCorrupt    ErrorCode = 11002

	// ModuleMissing signals the store violated its contract: it returned no
	// entry for a container the pod declares. Fatal for the whole add.
	ModuleMissing ErrorCode = 11003

	// ========== Module Runtime Errors (12000-12999) ==========

	// Setup failures (12000-12099)
	EnvironmentError ErrorCode = 12000
	ParseError       ErrorCode = 12001
	LoadError        ErrorCode = 12002
	LinkError        ErrorCode = 12003

	// Entry point and execution (12100-12199)
	NoEntrypoint ErrorCode = 12100
	RunFailure   ErrorCode = 12101

	// Status channel (12200-12299)
	StatusClosed ErrorCode = 12200

	// ========== Pod Lifecycle Errors (13000-13999) ==========

	PodNotFound       ErrorCode = 13000
	ContainerNotFound ErrorCode = 13001
	PodAlreadyExists  ErrorCode = 13002
	LogStreamFailed   ErrorCode = 13003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:       "Success",
	InternalError: "Internal error",
	InvalidParams: "Invalid parameters",
	NotFound:      "Resource not found",
	Timeout:       "Operation timed out",
	ConfigInvalid: "Invalid configuration",
	CacheError:    "Cache operation failed",
	CacheMiss:     "Cache miss",

	// Module store
	StoreUnreachable: "Module store is unreachable",
	ObjectNotFound:   "Module object not found in store",
	ObjectCorrupt:    "Module object is corrupt",
	ModuleMissing:    "Module store did not supply a module for a declared container",

	// Module runtime
	EnvironmentError: "Cannot create interpreter environment",
	ParseError:       "Cannot parse module",
	LoadError:        "Cannot load module",
	LinkError:        "Cannot link WASI",
	NoEntrypoint:     "No entrypoint function '_start' found in module",
	RunFailure:       "Failure during module run",
	StatusClosed:     "Status channel is closed",

	// Pod lifecycle
	PodNotFound:       "Pod not found",
	ContainerNotFound: "Container not found",
	PodAlreadyExists:  "Pod already registered",
	LogStreamFailed:   "Failed to stream container logs",
}

// Message returns the default message for an error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}
