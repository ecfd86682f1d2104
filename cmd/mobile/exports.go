//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"time"
	"unsafe"
)

// result converts a bridge result into a C string, recording err for
// InvsyncLastError. The caller frees the string with FreeString.
func result(s string, err error) *C.char {
	core.setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

// code returns 0 on success and -1 on failure.
func code(err error) C.int {
	core.setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export InvsyncOpen
func InvsyncOpen(configPath, dataDir *C.char) C.int {
	return code(core.open(C.GoString(configPath), C.GoString(dataDir)))
}

//export InvsyncClose
func InvsyncClose() C.int {
	return code(core.close())
}

//export InvsyncEnqueue
func InvsyncEnqueue(request *C.char) *C.char {
	return result(core.enqueue(C.GoString(request)))
}

//export InvsyncList
func InvsyncList(request *C.char) *C.char {
	return result(core.list(C.GoString(request)))
}

//export InvsyncStatus
func InvsyncStatus() *C.char {
	return result(core.status())
}

//export InvsyncNextStatus
func InvsyncNextStatus(timeoutMs C.int) *C.char {
	return result(core.nextStatus(time.Duration(timeoutMs) * time.Millisecond))
}

//export InvsyncSyncNow
func InvsyncSyncNow() *C.char {
	return result(core.syncNow())
}

//export InvsyncCancelSync
func InvsyncCancelSync() C.int {
	cancelled, err := core.cancelSync()
	if err != nil {
		return code(err)
	}
	if cancelled {
		return 1
	}
	return 0
}

//export InvsyncRetry
func InvsyncRetry(id *C.char) *C.char {
	return result(core.retry(C.GoString(id)))
}

//export InvsyncRetryAll
func InvsyncRetryAll() *C.char {
	return result(core.retryAll())
}

//export InvsyncClear
func InvsyncClear(includePending C.int) *C.char {
	return result(core.clear(includePending != 0))
}

//export InvsyncSetOnline
func InvsyncSetOnline(online C.int) C.int {
	return code(core.setOnline(online != 0))
}

//export InvsyncSetUser
func InvsyncSetUser(userID *C.char) C.int {
	return code(core.setUser(C.GoString(userID)))
}

//export InvsyncLastError
func InvsyncLastError() *C.char {
	return C.CString(core.lastError())
}

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}
